package logdev

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/types"
)

// Super0OffsetPb returns the offset of super sector copy 0 [physical block].
// The copy sits at byte offset 4096 for small block sizes and at block 1
// otherwise.
func Super0OffsetPb(pbs uint32) uint64 {
	if pbs < 4096 {
		return uint64(4096 / pbs)
	}
	return 1
}

// SuperBlock wraps a parsed super sector together with the offset helpers
// derived from it.
type SuperBlock struct {
	Sector *types.SuperSector
}

// ParseSuperSector parses and validates one super sector block. The block
// must be a whole physical block; its checksum is verified with salt 0.
func ParseSuperSector(data []byte) (*types.SuperSector, error) {
	if len(data) < types.SuperSectorFixedSize {
		return nil, fmt.Errorf("data too small for super sector: %d bytes", len(data))
	}
	if types.Checksum(data, 0) != 0 {
		return nil, fmt.Errorf("super sector checksum mismatch: %w", types.ErrInvalidFormat)
	}

	s := &types.SuperSector{}
	s.Checksum = binary.LittleEndian.Uint32(data[0:4])
	s.SectorType = binary.LittleEndian.Uint16(data[4:6])
	s.Version = binary.LittleEndian.Uint16(data[6:8])
	s.LogicalBs = binary.LittleEndian.Uint32(data[8:12])
	s.PhysicalBs = binary.LittleEndian.Uint32(data[12:16])
	s.SnapshotMetadataSize = binary.LittleEndian.Uint32(data[16:20])
	s.LogChecksumSalt = binary.LittleEndian.Uint32(data[20:24])
	copy(s.UUID[:], data[24:40])
	copy(s.Name[:], data[40:104])
	s.RingBufferSize = binary.LittleEndian.Uint64(data[104:112])
	s.OldestLsid = binary.LittleEndian.Uint64(data[112:120])
	s.WrittenLsid = binary.LittleEndian.Uint64(data[120:128])
	s.DeviceSize = binary.LittleEndian.Uint64(data[128:136])

	if s.SectorType != types.SectorTypeSuper {
		return nil, fmt.Errorf("bad super sector type %d: %w", s.SectorType, types.ErrInvalidFormat)
	}
	if s.LogicalBs != types.LogicalBlockSize {
		return nil, fmt.Errorf("bad logical block size %d: %w", s.LogicalBs, types.ErrInvalidFormat)
	}
	if !types.IsValidPbs(s.PhysicalBs) || uint32(len(data)) != s.PhysicalBs {
		return nil, fmt.Errorf("bad physical block size %d for %d-byte sector: %w",
			s.PhysicalBs, len(data), types.ErrInvalidFormat)
	}
	if s.RingBufferSize == 0 {
		return nil, fmt.Errorf("ring buffer size is zero: %w", types.ErrInvalidFormat)
	}
	return s, nil
}

// SerializeSuperSector serializes s into one physical block, recomputing the
// checksum field.
func SerializeSuperSector(s *types.SuperSector) []byte {
	data := make([]byte, s.PhysicalBs)
	binary.LittleEndian.PutUint16(data[4:6], s.SectorType)
	binary.LittleEndian.PutUint16(data[6:8], s.Version)
	binary.LittleEndian.PutUint32(data[8:12], s.LogicalBs)
	binary.LittleEndian.PutUint32(data[12:16], s.PhysicalBs)
	binary.LittleEndian.PutUint32(data[16:20], s.SnapshotMetadataSize)
	binary.LittleEndian.PutUint32(data[20:24], s.LogChecksumSalt)
	copy(data[24:40], s.UUID[:])
	copy(data[40:104], s.Name[:])
	binary.LittleEndian.PutUint64(data[104:112], s.RingBufferSize)
	binary.LittleEndian.PutUint64(data[112:120], s.OldestLsid)
	binary.LittleEndian.PutUint64(data[120:128], s.WrittenLsid)
	binary.LittleEndian.PutUint64(data[128:136], s.DeviceSize)
	s.Checksum = types.Checksum(data, 0)
	binary.LittleEndian.PutUint32(data[0:4], s.Checksum)
	return data
}

// ReadSuperBlock reads and validates a super sector from the log device,
// falling back to copy 1 when copy 0 is corrupt.
func ReadSuperBlock(r io.ReaderAt, pbs uint32) (*SuperBlock, error) {
	if !types.IsValidPbs(pbs) {
		return nil, fmt.Errorf("invalid physical block size %d", pbs)
	}
	buf := make([]byte, pbs)
	off0 := int64(Super0OffsetPb(pbs)) * int64(pbs)
	if _, err := r.ReadAt(buf, off0); err != nil {
		return nil, fmt.Errorf("failed to read super sector 0: %w", err)
	}
	s, err0 := ParseSuperSector(buf)
	if err0 == nil {
		return &SuperBlock{Sector: s}, nil
	}

	// Copy 1 sits after the snapshot metadata region. Its location depends on
	// fields of copy 0, so derive it from the raw metadata size field even
	// though the checksum failed.
	metaSize := binary.LittleEndian.Uint32(buf[16:20])
	off1 := (Super0OffsetPb(pbs) + 1 + uint64(metaSize)) * uint64(pbs)
	if _, err := r.ReadAt(buf, int64(off1)); err != nil {
		return nil, fmt.Errorf("super sector 0 invalid (%v) and failed to read copy 1: %w", err0, err)
	}
	s, err1 := ParseSuperSector(buf)
	if err1 != nil {
		return nil, fmt.Errorf("both super sector copies invalid: %v; %w", err0, err1)
	}
	return &SuperBlock{Sector: s}, nil
}

// ProbeSuperBlock reads the super block trying each supported physical block
// size. Both 512- and 4096-byte geometries place copy 0 at byte offset 4096.
func ProbeSuperBlock(r io.ReaderAt) (*SuperBlock, error) {
	var firstErr error
	for _, pbs := range []uint32{512, 4096} {
		sb, err := ReadSuperBlock(r, pbs)
		if err == nil {
			return sb, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("no valid super block found: %w", firstErr)
}

// WriteSuperBlock writes both super sector copies.
func WriteSuperBlock(w io.WriterAt, sb *SuperBlock) error {
	data := SerializeSuperSector(sb.Sector)
	pbs := sb.Sector.PhysicalBs
	if _, err := w.WriteAt(data, int64(Super0OffsetPb(pbs))*int64(pbs)); err != nil {
		return fmt.Errorf("failed to write super sector 0: %w", err)
	}
	if _, err := w.WriteAt(data, int64(sb.Super1OffsetPb())*int64(pbs)); err != nil {
		return fmt.Errorf("failed to write super sector 1: %w", err)
	}
	return nil
}

// Pbs returns the physical block size.
func (sb *SuperBlock) Pbs() uint32 { return sb.Sector.PhysicalBs }

// Salt returns the log checksum salt.
func (sb *SuperBlock) Salt() uint32 { return sb.Sector.LogChecksumSalt }

// UUID returns the device UUID.
func (sb *SuperBlock) UUID() uuid.UUID { return sb.Sector.UUID }

// MetadataOffsetPb returns the offset of the snapshot metadata region.
func (sb *SuperBlock) MetadataOffsetPb() uint64 {
	return Super0OffsetPb(sb.Pbs()) + 1
}

// Super1OffsetPb returns the offset of super sector copy 1.
func (sb *SuperBlock) Super1OffsetPb() uint64 {
	return sb.MetadataOffsetPb() + uint64(sb.Sector.SnapshotMetadataSize)
}

// RingBufferOffsetPb returns the offset of the first ring buffer block.
func (sb *SuperBlock) RingBufferOffsetPb() uint64 {
	return sb.Super1OffsetPb() + 1
}

// OffsetOfLsid maps an lsid to its position on the log device [physical block].
func (sb *SuperBlock) OffsetOfLsid(lsid uint64) (uint64, error) {
	if lsid == types.InvalidLsid {
		return 0, fmt.Errorf("invalid lsid")
	}
	return lsid%sb.Sector.RingBufferSize + sb.RingBufferOffsetPb(), nil
}
