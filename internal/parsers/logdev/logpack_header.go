package logdev

import (
	"encoding/binary"
	"fmt"

	"github.com/walb-tools/go-walb/internal/types"
)

// PackHeader is a logpack header block bound to its device geometry.
type PackHeader struct {
	H    types.LogpackHeader
	pbs  uint32
	salt uint32
}

// ParseResult tags the outcome of parsing a logpack header block.
type ParseResult int

const (
	// ParseValid means the header verified completely.
	ParseValid ParseResult = iota
	// ParseShrunken means a prefix of the records verified and the header was
	// truncated at the first invalid one.
	ParseShrunken
	// ParseInvalid means the header block itself is unusable.
	ParseInvalid
)

// NewPackHeader returns an empty header for the given geometry.
func NewPackHeader(pbs, salt uint32) *PackHeader {
	return &PackHeader{pbs: pbs, salt: salt}
}

// Pbs returns the physical block size.
func (p *PackHeader) Pbs() uint32 { return p.pbs }

// Salt returns the log checksum salt.
func (p *PackHeader) Salt() uint32 { return p.salt }

// Init resets the header to an empty logpack at lsid.
func (p *PackHeader) Init(lsid uint64) {
	p.H = types.LogpackHeader{
		SectorType:  types.SectorTypeLogpack,
		LogpackLsid: lsid,
	}
}

// SetEnd turns the header into a terminator block.
func (p *PackHeader) SetEnd() {
	p.Init(types.InvalidLsid)
}

// Parse decodes a header block without validating checksums. The slice must
// be one physical block.
func (p *PackHeader) Parse(data []byte) error {
	if uint32(len(data)) != p.pbs {
		return fmt.Errorf("logpack header must be %d bytes, got %d", p.pbs, len(data))
	}
	h := types.LogpackHeader{}
	h.Checksum = binary.LittleEndian.Uint32(data[0:4])
	h.SectorType = binary.LittleEndian.Uint16(data[4:6])
	h.TotalIoSize = binary.LittleEndian.Uint16(data[6:8])
	h.NRecords = binary.LittleEndian.Uint16(data[8:10])
	h.NPadding = binary.LittleEndian.Uint16(data[10:12])
	h.LogpackLsid = binary.LittleEndian.Uint64(data[16:24])

	if int(h.NRecords) > types.MaxNLogRecordInSector(p.pbs) {
		return fmt.Errorf("n_records %d exceeds capacity %d: %w",
			h.NRecords, types.MaxNLogRecordInSector(p.pbs), types.ErrInvalidFormat)
	}
	h.Records = make([]types.LogRecord, h.NRecords)
	for i := range h.Records {
		off := types.LogpackHeaderFixedSize + i*types.LogRecordSize
		r := &h.Records[i]
		r.Checksum = binary.LittleEndian.Uint32(data[off : off+4])
		r.Flags = binary.LittleEndian.Uint32(data[off+4 : off+8])
		r.LsidLocal = binary.LittleEndian.Uint16(data[off+8 : off+10])
		r.IoSize = binary.LittleEndian.Uint32(data[off+12 : off+16])
		r.Offset = binary.LittleEndian.Uint64(data[off+16 : off+24])
		r.Lsid = binary.LittleEndian.Uint64(data[off+24 : off+32])
	}
	p.H = h
	return nil
}

// Serialize encodes the header into one physical block, recomputing the
// header checksum.
func (p *PackHeader) Serialize() []byte {
	data := make([]byte, p.pbs)
	h := &p.H
	binary.LittleEndian.PutUint16(data[4:6], h.SectorType)
	binary.LittleEndian.PutUint16(data[6:8], h.TotalIoSize)
	binary.LittleEndian.PutUint16(data[8:10], h.NRecords)
	binary.LittleEndian.PutUint16(data[10:12], h.NPadding)
	binary.LittleEndian.PutUint64(data[16:24], h.LogpackLsid)
	for i := range h.Records {
		off := types.LogpackHeaderFixedSize + i*types.LogRecordSize
		r := &h.Records[i]
		binary.LittleEndian.PutUint32(data[off:off+4], r.Checksum)
		binary.LittleEndian.PutUint32(data[off+4:off+8], r.Flags)
		binary.LittleEndian.PutUint16(data[off+8:off+10], r.LsidLocal)
		binary.LittleEndian.PutUint32(data[off+12:off+16], r.IoSize)
		binary.LittleEndian.PutUint64(data[off+16:off+24], r.Offset)
		binary.LittleEndian.PutUint64(data[off+24:off+32], r.Lsid)
	}
	h.Checksum = types.Checksum(data, p.salt)
	binary.LittleEndian.PutUint32(data[0:4], h.Checksum)
	return data
}

// verifyRecords checks the structural invariants of the record array and
// returns the first bad index, 0 when the records are sound but disagree with
// the header's total_io_size or n_padding, or -1.
func (p *PackHeader) verifyRecords() int {
	h := &p.H
	totalIoSize := uint32(0)
	nPadding := uint16(0)
	for i := range h.Records {
		r := &h.Records[i]
		if !r.IsExist() {
			return i
		}
		if r.Lsid != h.LogpackLsid+uint64(r.LsidLocal) {
			return i
		}
		if r.IsPadding() {
			nPadding++
			if nPadding > 1 {
				return i
			}
		}
		if !r.IsDiscard() {
			if r.IoSize == 0 && !r.IsPadding() {
				return i
			}
			totalIoSize += types.CapacityPb(p.pbs, r.IoSize)
		}
	}
	if totalIoSize != uint32(h.TotalIoSize) || nPadding != h.NPadding {
		return 0
	}
	return -1
}

// Verify validates the decoded header against data, the raw block it was
// parsed from. ParseShrunken is never returned here; use Shrink after a
// failed per-record data verification.
func (p *PackHeader) Verify(data []byte) ParseResult {
	h := &p.H
	if h.SectorType != types.SectorTypeLogpack {
		return ParseInvalid
	}
	if types.Checksum(data, p.salt) != 0 {
		return ParseInvalid
	}
	if h.TotalIoSize > types.MaxTotalIoSizeInLogpackHeader {
		return ParseInvalid
	}
	if p.verifyRecords() >= 0 {
		return ParseInvalid
	}
	return ParseValid
}

// VerifyOrShrink classifies a parsed header block. A fully valid block is
// ParseValid. A block whose record array is broken mid-way (crash during the
// logpack write) is truncated at the first bad record and reported
// ParseShrunken; the shrunken pack is authoritative for recovery. Anything
// else is ParseInvalid.
func (p *PackHeader) VerifyOrShrink(data []byte) ParseResult {
	if p.Verify(data) == ParseValid {
		return ParseValid
	}
	if p.H.SectorType != types.SectorTypeLogpack {
		return ParseInvalid
	}
	idx := p.verifyRecords()
	if idx <= 0 {
		return ParseInvalid
	}
	p.Shrink(idx)
	return ParseShrunken
}

// Shrink truncates the header at record index invalidIdx, recomputing
// total_io_size, n_padding and the checksum. The shrunken pack is
// authoritative for crash recovery.
func (p *PackHeader) Shrink(invalidIdx int) {
	h := &p.H
	h.Records = h.Records[:invalidIdx]
	h.NRecords = uint16(invalidIdx)
	h.TotalIoSize = 0
	h.NPadding = 0
	for i := range h.Records {
		r := &h.Records[i]
		if !r.IsDiscard() {
			h.TotalIoSize += uint16(types.CapacityPb(p.pbs, r.IoSize))
		}
		if r.IsPadding() {
			h.NPadding++
		}
	}
	// Serialize recomputes the checksum; refresh the field for callers that
	// inspect it without serializing.
	p.Serialize()
}

// NextLogpackLsid returns the lsid of the following logpack.
func (p *PackHeader) NextLogpackLsid() uint64 { return p.H.NextLogpackLsid() }

// AddNormalIo appends a normal IO record. It returns false when the header is
// full; the caller must then start a new logpack.
func (p *PackHeader) AddNormalIo(offset uint64, sizeLb uint32) (bool, error) {
	if sizeLb == 0 {
		return false, fmt.Errorf("normal IO can not be zero-sized")
	}
	h := &p.H
	if int(h.NRecords) >= types.MaxNLogRecordInSector(p.pbs) {
		return false, nil
	}
	capPb := types.CapacityPb(p.pbs, sizeLb)
	if uint32(h.TotalIoSize)+capPb > types.MaxTotalIoSizeInLogpackHeader {
		return false, nil
	}
	r := types.LogRecord{
		Offset:    offset,
		IoSize:    sizeLb,
		LsidLocal: h.TotalIoSize + 1,
	}
	r.SetExist()
	r.Lsid = h.LogpackLsid + uint64(r.LsidLocal)
	h.Records = append(h.Records, r)
	h.NRecords++
	h.TotalIoSize += uint16(capPb)
	return true, nil
}

// AddDiscardIo appends a discard record. Discards occupy no data blocks.
func (p *PackHeader) AddDiscardIo(offset uint64, sizeLb uint32) (bool, error) {
	if sizeLb == 0 {
		return false, fmt.Errorf("discard IO can not be zero-sized")
	}
	h := &p.H
	if int(h.NRecords) >= types.MaxNLogRecordInSector(p.pbs) {
		return false, nil
	}
	r := types.LogRecord{
		Offset:    offset,
		IoSize:    sizeLb,
		LsidLocal: h.TotalIoSize + 1,
	}
	r.SetExist()
	r.SetDiscard()
	r.Lsid = h.LogpackLsid + uint64(r.LsidLocal)
	h.Records = append(h.Records, r)
	h.NRecords++
	return true, nil
}

// AddPadding appends a padding record. At most one padding per logpack; the
// size must be pbs-aligned in logical blocks.
func (p *PackHeader) AddPadding(sizeLb uint32) (bool, error) {
	h := &p.H
	if int(h.NRecords) >= types.MaxNLogRecordInSector(p.pbs) {
		return false, nil
	}
	capPb := types.CapacityPb(p.pbs, sizeLb)
	if uint32(h.TotalIoSize)+capPb > types.MaxTotalIoSizeInLogpackHeader {
		return false, nil
	}
	if h.NPadding > 0 {
		return false, nil
	}
	if sizeLb%types.NLbInPb(p.pbs) != 0 {
		return false, fmt.Errorf("padding size must be pbs-aligned")
	}
	r := types.LogRecord{
		IoSize:    sizeLb,
		LsidLocal: h.TotalIoSize + 1,
	}
	r.SetExist()
	r.SetPadding()
	r.Lsid = h.LogpackLsid + uint64(r.LsidLocal)
	h.Records = append(h.Records, r)
	h.NRecords++
	h.TotalIoSize += uint16(capPb)
	h.NPadding++
	return true, nil
}

// UpdateLsid rebases the logpack and all its records to newLsid.
func (p *PackHeader) UpdateLsid(newLsid uint64) {
	if newLsid == types.InvalidLsid || p.H.LogpackLsid == newLsid {
		return
	}
	p.H.LogpackLsid = newLsid
	for i := range p.H.Records {
		r := &p.H.Records[i]
		r.Lsid = newLsid + uint64(r.LsidLocal)
	}
}
