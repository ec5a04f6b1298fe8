package wdiff

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/types"
)

// NewDiffFileHeader returns a file header for the given uuid and type.
func NewDiffFileHeader(fileType uint16, maxIoBlocks uint32, id uuid.UUID) *types.DiffFileHeader {
	return &types.DiffFileHeader{
		Version:     uint16(types.WalbVersion),
		Type:        fileType,
		MaxIoBlocks: maxIoBlocks,
		UUID:        id,
	}
}

// SerializeFileHeader encodes the header into its 4096-byte block.
func SerializeFileHeader(h *types.DiffFileHeader) []byte {
	data := make([]byte, types.DiffFileHeaderSize)
	binary.LittleEndian.PutUint16(data[4:6], h.Version)
	binary.LittleEndian.PutUint16(data[6:8], h.Type)
	binary.LittleEndian.PutUint32(data[8:12], h.MaxIoBlocks)
	copy(data[16:32], h.UUID[:])
	h.Checksum = types.Checksum(data, 0)
	binary.LittleEndian.PutUint32(data[0:4], h.Checksum)
	return data
}

// ParseFileHeader decodes and validates a wdiff file header block.
func ParseFileHeader(data []byte) (*types.DiffFileHeader, error) {
	if len(data) != types.DiffFileHeaderSize {
		return nil, fmt.Errorf("diff file header must be %d bytes, got %d",
			types.DiffFileHeaderSize, len(data))
	}
	if types.Checksum(data, 0) != 0 {
		return nil, fmt.Errorf("diff file header checksum mismatch: %w", types.ErrInvalidFormat)
	}
	h := &types.DiffFileHeader{
		Checksum:    binary.LittleEndian.Uint32(data[0:4]),
		Version:     binary.LittleEndian.Uint16(data[4:6]),
		Type:        binary.LittleEndian.Uint16(data[6:8]),
		MaxIoBlocks: binary.LittleEndian.Uint32(data[8:12]),
	}
	copy(h.UUID[:], data[16:32])
	if h.Type != types.DiffFileSorted && h.Type != types.DiffFileIndexed {
		return nil, fmt.Errorf("unknown diff file type %d: %w", h.Type, types.ErrInvalidFormat)
	}
	return h, nil
}
