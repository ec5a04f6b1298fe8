package logdev

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/types"
)

// NewWlogFileHeader returns a header for a wlog stream over [beginLsid, endLsid).
func NewWlogFileHeader(pbs, salt uint32, id uuid.UUID, beginLsid, endLsid uint64) *types.WlogFileHeader {
	return &types.WlogFileHeader{
		SectorType:      types.SectorTypeWlogHeader,
		Version:         types.WalbVersion,
		HeaderSize:      types.WlogFileHeaderSize,
		LogChecksumSalt: salt,
		LogicalBs:       types.LogicalBlockSize,
		PhysicalBs:      pbs,
		UUID:            id,
		BeginLsid:       beginLsid,
		EndLsid:         endLsid,
	}
}

// SerializeWlogFileHeader encodes the header into its 4096-byte block.
func SerializeWlogFileHeader(h *types.WlogFileHeader) []byte {
	data := make([]byte, types.WlogFileHeaderSize)
	binary.LittleEndian.PutUint16(data[4:6], h.SectorType)
	binary.LittleEndian.PutUint16(data[6:8], h.Version)
	binary.LittleEndian.PutUint32(data[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(data[12:16], h.LogChecksumSalt)
	binary.LittleEndian.PutUint32(data[16:20], h.LogicalBs)
	binary.LittleEndian.PutUint32(data[20:24], h.PhysicalBs)
	copy(data[24:40], h.UUID[:])
	binary.LittleEndian.PutUint64(data[40:48], h.BeginLsid)
	binary.LittleEndian.PutUint64(data[48:56], h.EndLsid)
	h.Checksum = types.Checksum(data, 0)
	binary.LittleEndian.PutUint32(data[0:4], h.Checksum)
	return data
}

// ParseWlogFileHeader decodes and validates a wlog stream header block.
func ParseWlogFileHeader(data []byte) (*types.WlogFileHeader, error) {
	if len(data) != types.WlogFileHeaderSize {
		return nil, fmt.Errorf("wlog header must be %d bytes, got %d", types.WlogFileHeaderSize, len(data))
	}
	if types.Checksum(data, 0) != 0 {
		return nil, fmt.Errorf("wlog header checksum mismatch: %w", types.ErrInvalidFormat)
	}
	h := &types.WlogFileHeader{}
	h.Checksum = binary.LittleEndian.Uint32(data[0:4])
	h.SectorType = binary.LittleEndian.Uint16(data[4:6])
	h.Version = binary.LittleEndian.Uint16(data[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(data[8:12])
	h.LogChecksumSalt = binary.LittleEndian.Uint32(data[12:16])
	h.LogicalBs = binary.LittleEndian.Uint32(data[16:20])
	h.PhysicalBs = binary.LittleEndian.Uint32(data[20:24])
	copy(h.UUID[:], data[24:40])
	h.BeginLsid = binary.LittleEndian.Uint64(data[40:48])
	h.EndLsid = binary.LittleEndian.Uint64(data[48:56])

	if h.SectorType != types.SectorTypeWlogHeader {
		return nil, fmt.Errorf("bad wlog header sector type %d: %w", h.SectorType, types.ErrInvalidFormat)
	}
	if h.Version != types.WalbVersion {
		return nil, fmt.Errorf("unsupported wlog version %d: %w", h.Version, types.ErrInvalidFormat)
	}
	if h.BeginLsid >= h.EndLsid {
		return nil, fmt.Errorf("wlog header lsid range [%d,%d) empty: %w",
			h.BeginLsid, h.EndLsid, types.ErrInvalidFormat)
	}
	return h, nil
}

// WriteWlogFileHeader writes the header block to w.
func WriteWlogFileHeader(w io.Writer, h *types.WlogFileHeader) error {
	if _, err := w.Write(SerializeWlogFileHeader(h)); err != nil {
		return fmt.Errorf("failed to write wlog header: %w", err)
	}
	return nil
}
