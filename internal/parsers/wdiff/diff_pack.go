package wdiff

import (
	"encoding/binary"
	"fmt"

	"github.com/walb-tools/go-walb/internal/types"
)

// Pack is one diff pack: a 4096-byte header block plus its data area.
type Pack struct {
	Header types.DiffPackHeader
	Data   []byte
}

// SerializePackHeader encodes the pack header into its 4096-byte block,
// recomputing the checksum over the block with the field zeroed.
func SerializePackHeader(h *types.DiffPackHeader) []byte {
	data := make([]byte, types.DiffPackSize)
	binary.LittleEndian.PutUint16(data[4:6], h.NRecords)
	binary.LittleEndian.PutUint16(data[6:8], h.Flags)
	binary.LittleEndian.PutUint32(data[8:12], h.TotalSize)
	for i := range h.Records {
		serializeDiffRecord(data, types.DiffPackFixedSize+i*types.DiffRecordSize, &h.Records[i])
	}
	h.Checksum = types.Checksum(data, 0)
	binary.LittleEndian.PutUint32(data[0:4], h.Checksum)
	return data
}

// ParsePackHeader decodes and validates a pack header block.
func ParsePackHeader(data []byte) (*types.DiffPackHeader, error) {
	if len(data) != types.DiffPackSize {
		return nil, fmt.Errorf("diff pack header must be %d bytes, got %d", types.DiffPackSize, len(data))
	}
	if types.Checksum(data, 0) != 0 {
		return nil, fmt.Errorf("diff pack checksum mismatch: %w", types.ErrInvalidFormat)
	}
	h := &types.DiffPackHeader{
		Checksum:  binary.LittleEndian.Uint32(data[0:4]),
		NRecords:  binary.LittleEndian.Uint16(data[4:6]),
		Flags:     binary.LittleEndian.Uint16(data[6:8]),
		TotalSize: binary.LittleEndian.Uint32(data[8:12]),
	}
	if h.NRecords > types.MaxNRecordsInPack {
		return nil, fmt.Errorf("diff pack n_records %d exceeds %d: %w",
			h.NRecords, types.MaxNRecordsInPack, types.ErrInvalidFormat)
	}
	h.Records = make([]types.DiffRecord, h.NRecords)
	totalSize := uint32(0)
	for i := range h.Records {
		h.Records[i] = parseDiffRecord(data, types.DiffPackFixedSize+i*types.DiffRecordSize)
		if err := VerifyDiffRecord(&h.Records[i]); err != nil {
			return nil, err
		}
		if h.Records[i].IsNormal() {
			if h.Records[i].DataOffset != totalSize {
				return nil, fmt.Errorf("diff pack record %d data_offset %d, expected %d: %w",
					i, h.Records[i].DataOffset, totalSize, types.ErrInvalidFormat)
			}
			totalSize += h.Records[i].DataSize
		}
	}
	if totalSize != h.TotalSize {
		return nil, fmt.Errorf("diff pack total_size %d, records sum to %d: %w",
			h.TotalSize, totalSize, types.ErrInvalidFormat)
	}
	return h, nil
}

// PackBuilder accumulates records and their stored data up to the pack
// limits.
type PackBuilder struct {
	pack Pack
}

// CanAdd reports whether a record with dataSize stored bytes still fits.
func (b *PackBuilder) CanAdd(dataSize uint32) bool {
	if int(b.pack.Header.NRecords) >= types.MaxNRecordsInPack {
		return false
	}
	if b.pack.Header.TotalSize+dataSize > types.MaxPackDataSize {
		return false
	}
	return true
}

// Add appends a record whose stored bytes are already compressed and
// checksummed. The record's data_offset is assigned here.
func (b *PackBuilder) Add(rec types.DiffRecord, stored []byte) error {
	if uint32(len(stored)) != rec.DataSize {
		return fmt.Errorf("stored size %d does not match record data_size %d", len(stored), rec.DataSize)
	}
	if !b.CanAdd(rec.DataSize) {
		return fmt.Errorf("diff pack is full")
	}
	rec.DataOffset = b.pack.Header.TotalSize
	b.pack.Header.Records = append(b.pack.Header.Records, rec)
	b.pack.Header.NRecords++
	b.pack.Header.TotalSize += rec.DataSize
	b.pack.Data = append(b.pack.Data, stored...)
	return nil
}

// IsEmpty reports whether no record was added.
func (b *PackBuilder) IsEmpty() bool { return b.pack.Header.NRecords == 0 }

// Finalize serializes the pack and resets the builder.
func (b *PackBuilder) Finalize() (header []byte, data []byte) {
	header = SerializePackHeader(&b.pack.Header)
	data = b.pack.Data
	b.pack = Pack{}
	return header, data
}

// SerializeEndPack returns the terminal empty pack block.
func SerializeEndPack() []byte {
	h := types.DiffPackHeader{Flags: types.DiffPackEnd}
	return SerializePackHeader(&h)
}
