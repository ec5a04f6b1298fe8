package logdev

import (
	"fmt"

	"github.com/walb-tools/go-walb/internal/interfaces"
	"github.com/walb-tools/go-walb/internal/types"
)

// ReadPackHeader reads one physical block from r and parses it as a logpack
// header at lsid. The raw block is returned for debug dumps; ParseShrunken
// is reported when a prefix of the records verified.
func ReadPackHeader(r interfaces.WldevReader, lsid uint64) (*PackHeader, []byte, ParseResult, error) {
	block, err := r.ReadBlock()
	if err != nil {
		return nil, nil, ParseInvalid, fmt.Errorf("failed to read logpack header at lsid %d: %w", lsid, err)
	}
	p := NewPackHeader(r.Pbs(), r.Salt())
	if err := p.Parse(block); err != nil {
		return nil, block, ParseInvalid, err
	}
	if p.H.LogpackLsid != lsid {
		return p, block, ParseInvalid, nil
	}
	res := p.VerifyOrShrink(block)
	return p, block, res, nil
}

// ReadPackIo reads the IO data blocks of record i and verifies the salted
// data checksum. Discard and padding blocks carry no verifiable data; padding
// blocks are still consumed from the reader.
func ReadPackIo(r interfaces.WldevReader, p *PackHeader, i int) ([][]byte, error) {
	if i < 0 || i >= int(p.H.NRecords) {
		return nil, fmt.Errorf("record index %d out of range [0,%d)", i, p.H.NRecords)
	}
	rec := &p.H.Records[i]
	if !rec.HasData() {
		return nil, nil
	}
	nPb := rec.IoSizePb(p.Pbs())
	blocks := make([][]byte, 0, nPb)
	for j := uint32(0); j < nPb; j++ {
		b, err := r.ReadBlock()
		if err != nil {
			return nil, fmt.Errorf("failed to read logpack IO block %d of record %d: %w", j, i, err)
		}
		blocks = append(blocks, b)
	}
	if !rec.HasDataForChecksum() {
		return blocks, nil
	}
	if CalcIoChecksum(blocks, rec.IoSize, p.Salt()) != rec.Checksum {
		return nil, fmt.Errorf("logpack IO checksum mismatch at lsid %d record %d: %w",
			rec.Lsid, i, types.ErrInvalidFormat)
	}
	return blocks, nil
}

// CalcIoChecksum computes the salted checksum over the first ioSizeLb logical
// blocks of a physical block sequence.
func CalcIoChecksum(blocks [][]byte, ioSizeLb uint32, salt uint32) uint32 {
	remaining := int(ioSizeLb) * types.LogicalBlockSize
	csum := salt
	for _, b := range blocks {
		if remaining <= 0 {
			break
		}
		n := len(b)
		if n > remaining {
			n = remaining
		}
		csum = types.ChecksumPartial(csum, b[:n])
		remaining -= n
	}
	return types.ChecksumFinish(csum)
}
