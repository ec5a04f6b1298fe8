package types

import (
	"github.com/google/uuid"
)

// SuperSector is the log-device super block. Two copies exist on the device:
// copy 0 at a pbs-aligned offset derived from pbs and copy 1 right after the
// snapshot metadata region. Both are checksummed with salt 0.
//
// Serialized little-endian layout:
//
//	0x00 checksum               u32
//	0x04 sector_type            u16
//	0x06 version                u16
//	0x08 logical_bs             u32
//	0x0c physical_bs            u32
//	0x10 snapshot_metadata_size u32
//	0x14 log_checksum_salt      u32
//	0x18 uuid                   [16]u8
//	0x28 name                   [64]u8
//	0x68 ring_buffer_size       u64
//	0x70 oldest_lsid            u64
//	0x78 written_lsid           u64
//	0x80 device_size            u64
type SuperSector struct {
	Checksum             uint32
	SectorType           uint16
	Version              uint16
	LogicalBs            uint32
	PhysicalBs           uint32
	SnapshotMetadataSize uint32
	LogChecksumSalt      uint32
	UUID                 uuid.UUID
	Name                 [DeviceNameSize]byte
	RingBufferSize       uint64
	OldestLsid           uint64
	WrittenLsid          uint64
	DeviceSize           uint64
}

// LogRecord describes one IO inside a logpack.
//
// Serialized little-endian layout (32 bytes):
//
//	0x00 checksum   u32
//	0x04 flags      u32
//	0x08 lsid_local u16
//	0x0a reserved   u16
//	0x0c io_size    u32   [logical block]
//	0x10 offset     u64   [logical block]
//	0x18 lsid       u64
type LogRecord struct {
	Checksum  uint32
	Flags     uint32
	LsidLocal uint16
	IoSize    uint32
	Offset    uint64
	Lsid      uint64
}

// IsExist reports the EXIST flag.
func (r *LogRecord) IsExist() bool { return r.Flags&(1<<LogRecordExist) != 0 }

// IsPadding reports the PADDING flag.
func (r *LogRecord) IsPadding() bool { return r.Flags&(1<<LogRecordPadding) != 0 }

// IsDiscard reports the DISCARD flag.
func (r *LogRecord) IsDiscard() bool { return r.Flags&(1<<LogRecordDiscard) != 0 }

// SetExist sets the EXIST flag.
func (r *LogRecord) SetExist() { r.Flags |= 1 << LogRecordExist }

// SetPadding sets the PADDING flag.
func (r *LogRecord) SetPadding() { r.Flags |= 1 << LogRecordPadding }

// SetDiscard sets the DISCARD flag.
func (r *LogRecord) SetDiscard() { r.Flags |= 1 << LogRecordDiscard }

// HasData reports whether the record occupies IO data blocks in the logpack.
func (r *LogRecord) HasData() bool { return r.IsExist() && !r.IsDiscard() }

// HasDataForChecksum reports whether the record carries a data checksum.
func (r *LogRecord) HasDataForChecksum() bool {
	return r.IsExist() && !r.IsDiscard() && !r.IsPadding()
}

// IoSizePb returns the number of physical blocks the record's data occupies.
func (r *LogRecord) IoSizePb(pbs uint32) uint32 {
	if !r.HasData() {
		return 0
	}
	return CapacityPb(pbs, r.IoSize)
}

// LogpackHeader is the header block of one logpack.
//
// Serialized little-endian layout (one physical block):
//
//	0x00 checksum      u32
//	0x04 sector_type   u16
//	0x06 total_io_size u16   [physical block]
//	0x08 n_records     u16
//	0x0a n_padding     u16
//	0x0c reserved      u32
//	0x10 logpack_lsid  u64
//	0x18 record[0..n)  32 bytes each
type LogpackHeader struct {
	Checksum    uint32
	SectorType  uint16
	TotalIoSize uint16
	NRecords    uint16
	NPadding    uint16
	LogpackLsid uint64
	Records     []LogRecord
}

// NextLogpackLsid returns the lsid of the following logpack.
func (h *LogpackHeader) NextLogpackLsid() uint64 {
	if h.NRecords > 0 {
		return h.LogpackLsid + 1 + uint64(h.TotalIoSize)
	}
	return h.LogpackLsid
}

// IsEnd reports whether the header is a terminator block.
func (h *LogpackHeader) IsEnd() bool {
	return h.NRecords == 0 && h.LogpackLsid == InvalidLsid
}

// WlogFileHeader heads the wlog stream sent over the wire and the wlog debug
// dumps. Checksummed with salt 0 over the whole 4096-byte block.
//
// Serialized little-endian layout:
//
//	0x00 checksum          u32
//	0x04 sector_type       u16
//	0x06 version           u16
//	0x08 header_size       u32
//	0x0c log_checksum_salt u32
//	0x10 logical_bs        u32
//	0x14 physical_bs       u32
//	0x18 uuid              [16]u8
//	0x28 begin_lsid        u64
//	0x30 end_lsid          u64
type WlogFileHeader struct {
	Checksum        uint32
	SectorType      uint16
	Version         uint16
	HeaderSize      uint32
	LogChecksumSalt uint32
	LogicalBs       uint32
	PhysicalBs      uint32
	UUID            uuid.UUID
	BeginLsid       uint64
	EndLsid         uint64
}
