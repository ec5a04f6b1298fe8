package wdiff

import (
	"encoding/binary"
	"fmt"

	"github.com/walb-tools/go-walb/internal/types"
)

// serializeDiffRecord encodes rec at data[off:].
func serializeDiffRecord(data []byte, off int, rec *types.DiffRecord) {
	binary.LittleEndian.PutUint64(data[off:off+8], rec.IoAddress)
	binary.LittleEndian.PutUint32(data[off+8:off+12], rec.IoBlocks)
	data[off+12] = rec.Flags
	data[off+13] = rec.CompressionType
	binary.LittleEndian.PutUint32(data[off+16:off+20], rec.DataOffset)
	binary.LittleEndian.PutUint32(data[off+20:off+24], rec.DataSize)
	binary.LittleEndian.PutUint32(data[off+24:off+28], rec.Checksum)
}

// parseDiffRecord decodes one record at data[off:].
func parseDiffRecord(data []byte, off int) types.DiffRecord {
	return types.DiffRecord{
		IoAddress:       binary.LittleEndian.Uint64(data[off : off+8]),
		IoBlocks:        binary.LittleEndian.Uint32(data[off+8 : off+12]),
		Flags:           data[off+12],
		CompressionType: data[off+13],
		DataOffset:      binary.LittleEndian.Uint32(data[off+16 : off+20]),
		DataSize:        binary.LittleEndian.Uint32(data[off+20 : off+24]),
		Checksum:        binary.LittleEndian.Uint32(data[off+24 : off+28]),
	}
}

// VerifyDiffRecord checks the structural invariants of one record.
func VerifyDiffRecord(rec *types.DiffRecord) error {
	if rec.IoBlocks == 0 {
		return fmt.Errorf("diff record at address %d has zero io_blocks: %w",
			rec.IoAddress, types.ErrInvalidFormat)
	}
	if rec.IoBlocks > types.MaxIoBlocks {
		return fmt.Errorf("diff record at address %d io_blocks %d too large: %w",
			rec.IoAddress, rec.IoBlocks, types.ErrInvalidFormat)
	}
	if !rec.IsNormal() && rec.DataSize != 0 {
		return fmt.Errorf("non-normal diff record at address %d carries data: %w",
			rec.IoAddress, types.ErrInvalidFormat)
	}
	if rec.IsAllZero() && rec.IsDiscard() {
		return fmt.Errorf("diff record at address %d is both allzero and discard: %w",
			rec.IoAddress, types.ErrInvalidFormat)
	}
	return nil
}
