package types

import (
	"fmt"

	"github.com/google/uuid"
)

// DiffRecord describes one IO of a wdiff pack.
//
// Serialized little-endian layout (28 bytes):
//
//	0x00 io_address       u64   [logical block]
//	0x08 io_blocks        u32   [logical block]
//	0x0c flags            u8
//	0x0d compression_type u8
//	0x0e reserved         u16
//	0x10 data_offset      u32   [byte, within the pack data area]
//	0x14 data_size        u32   [byte, on-disk (possibly compressed) size]
//	0x18 checksum         u32   over the on-disk data bytes, salt 0
type DiffRecord struct {
	IoAddress       uint64
	IoBlocks        uint32
	Flags           uint8
	CompressionType uint8
	DataOffset      uint32
	DataSize        uint32
	Checksum        uint32
}

// IsAllZero reports the ALLZERO flag.
func (r *DiffRecord) IsAllZero() bool { return r.Flags&(1<<DiffRecordAllZero) != 0 }

// IsDiscard reports the DISCARD flag.
func (r *DiffRecord) IsDiscard() bool { return r.Flags&(1<<DiffRecordDiscard) != 0 }

// IsNormal reports whether the record carries IO data.
func (r *DiffRecord) IsNormal() bool { return !r.IsAllZero() && !r.IsDiscard() }

// SetAllZero sets the ALLZERO flag.
func (r *DiffRecord) SetAllZero() { r.Flags |= 1 << DiffRecordAllZero }

// SetDiscard sets the DISCARD flag.
func (r *DiffRecord) SetDiscard() { r.Flags |= 1 << DiffRecordDiscard }

// EndIoAddress returns the first address after the record's range.
func (r *DiffRecord) EndIoAddress() uint64 { return r.IoAddress + uint64(r.IoBlocks) }

// Overlaps reports whether the address ranges of r and o intersect.
func (r *DiffRecord) Overlaps(o *DiffRecord) bool {
	return r.IoAddress < o.EndIoAddress() && o.IoAddress < r.EndIoAddress()
}

func (r *DiffRecord) String() string {
	mode := "N"
	if r.IsAllZero() {
		mode = "Z"
	} else if r.IsDiscard() {
		mode = "D"
	}
	return fmt.Sprintf("wdiff_rec addr %d blks %d %s cmpr %d off %d size %d csum %08x",
		r.IoAddress, r.IoBlocks, mode, r.CompressionType, r.DataOffset, r.DataSize, r.Checksum)
}

// DiffFileHeader heads both sorted and indexed wdiff files. It is written as
// one 4096-byte block checksummed with salt 0.
//
// Serialized little-endian layout:
//
//	0x00 checksum      u32
//	0x04 version       u16
//	0x06 type          u16   (0: sorted, 1: indexed)
//	0x08 max_io_blocks u32   [logical block]
//	0x0c reserved      u32
//	0x10 uuid          [16]u8
type DiffFileHeader struct {
	Checksum    uint32
	Version     uint16
	Type        uint16
	MaxIoBlocks uint32
	UUID        uuid.UUID
}

// Diff file types.
const (
	DiffFileSorted  uint16 = 0
	DiffFileIndexed uint16 = 1
)

// DiffPackHeader is the fixed part of one diff pack block.
//
// Serialized little-endian layout (one 4096-byte block):
//
//	0x00 checksum   u32   over the whole block with this field zeroed, salt 0
//	0x04 n_records  u16
//	0x06 flags      u16   (bit 0: end pack)
//	0x08 total_size u32   [byte, size of the data area following the block]
//	0x0c reserved   u32
//	0x10 record[0..n) 28 bytes each
type DiffPackHeader struct {
	Checksum  uint32
	NRecords  uint16
	Flags     uint16
	TotalSize uint32
	Records   []DiffRecord
}

// DiffPackEnd marks the terminal pack of a sorted wdiff.
const DiffPackEnd uint16 = 1

// IsEnd reports whether the pack is the stream terminator.
func (p *DiffPackHeader) IsEnd() bool {
	return p.NRecords == 0 && p.Flags&DiffPackEnd != 0
}

// DiffIndexRecord locates one IO in the data region of an indexed wdiff.
//
// Serialized little-endian layout (40 bytes):
//
//	0x00 io_address       u64   [logical block]
//	0x08 io_blocks        u32   [logical block]
//	0x0c orig_blocks      u32   [logical block, before masking]
//	0x10 data_offset      u64   [byte, from file start]
//	0x18 data_size        u32   [byte, on-disk size]
//	0x1c compression_type u8
//	0x1d flags            u8
//	0x1e reserved         u16
//	0x20 checksum         u32   over the on-disk data bytes, salt 0
//	0x24 seq              u32   arrival order; later entries mask earlier ones
type DiffIndexRecord struct {
	IoAddress       uint64
	IoBlocks        uint32
	OrigBlocks      uint32
	DataOffset      uint64
	DataSize        uint32
	CompressionType uint8
	Flags           uint8
	Checksum        uint32
	Seq             uint32
}

// IsAllZero reports the ALLZERO flag.
func (r *DiffIndexRecord) IsAllZero() bool { return r.Flags&(1<<DiffRecordAllZero) != 0 }

// IsDiscard reports the DISCARD flag.
func (r *DiffIndexRecord) IsDiscard() bool { return r.Flags&(1<<DiffRecordDiscard) != 0 }

// EndIoAddress returns the first address after the record's range.
func (r *DiffIndexRecord) EndIoAddress() uint64 { return r.IoAddress + uint64(r.IoBlocks) }

// DiffTrailer terminates an indexed wdiff.
//
// Serialized little-endian layout (32 bytes):
//
//	0x00 magic              u32
//	0x04 checksum           u32   over the serialized index records, salt 0
//	0x08 index_offset       u64   [byte, from file start]
//	0x10 n_index_records    u64
//	0x18 original_file_size u64   [byte, size excluding index and trailer]
type DiffTrailer struct {
	Magic            uint32
	Checksum         uint32
	IndexOffset      uint64
	NIndexRecords    uint64
	OriginalFileSize uint64
}
