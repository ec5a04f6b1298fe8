package wdiff

import (
	"fmt"
	"io"

	"github.com/walb-tools/go-walb/internal/compression"
	"github.com/walb-tools/go-walb/internal/types"
)

// SortedReader iterates a sorted wdiff record by record, uncompressing IO
// data. Out-of-order records are rejected unless Lenient is set (legacy files
// in the wild carry them).
type SortedReader struct {
	r        io.Reader
	Header   *types.DiffFileHeader
	Lenient  bool
	pack     *types.DiffPackHeader
	packData []byte
	pos      int
	done     bool
	lastEnd  uint64
	hasPrev  bool
}

// NewSortedReader parses the file header and positions the reader at the
// first pack.
func NewSortedReader(r io.Reader) (*SortedReader, error) {
	buf := make([]byte, types.DiffFileHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read diff file header: %w", err)
	}
	h, err := ParseFileHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Type != types.DiffFileSorted {
		return nil, fmt.Errorf("not a sorted wdiff (type %d): %w", h.Type, types.ErrInvalidFormat)
	}
	return &SortedReader{r: r, Header: h}, nil
}

func (sr *SortedReader) readPack() error {
	buf := make([]byte, types.DiffPackSize)
	if _, err := io.ReadFull(sr.r, buf); err != nil {
		return fmt.Errorf("failed to read diff pack header: %w", err)
	}
	h, err := ParsePackHeader(buf)
	if err != nil {
		return err
	}
	if h.IsEnd() {
		sr.done = true
		return nil
	}
	data := make([]byte, h.TotalSize)
	if _, err := io.ReadFull(sr.r, data); err != nil {
		return fmt.Errorf("failed to read diff pack data: %w", err)
	}
	sr.pack = h
	sr.packData = data
	sr.pos = 0
	return nil
}

// Next returns the next (record, uncompressed data) pair. ok is false at end
// of file. For ALLZERO and DISCARD records data is nil.
func (sr *SortedReader) Next() (rec types.DiffRecord, data []byte, ok bool, err error) {
	for {
		if sr.done {
			return types.DiffRecord{}, nil, false, nil
		}
		if sr.pack == nil || sr.pos >= int(sr.pack.NRecords) {
			if err := sr.readPack(); err != nil {
				return types.DiffRecord{}, nil, false, err
			}
			continue
		}
		break
	}
	r := sr.pack.Records[sr.pos]
	sr.pos++

	if sr.hasPrev && r.IoAddress < sr.lastEnd && !sr.Lenient {
		return types.DiffRecord{}, nil, false,
			fmt.Errorf("record at address %d violates sort order (previous end %d): %w",
				r.IoAddress, sr.lastEnd, types.ErrInvalidFormat)
	}
	sr.lastEnd = r.EndIoAddress()
	sr.hasPrev = true

	if !r.IsNormal() {
		return r, nil, true, nil
	}
	stored := sr.packData[r.DataOffset : r.DataOffset+r.DataSize]
	out, err := compression.UncompressRecord(&r, stored)
	if err != nil {
		return types.DiffRecord{}, nil, false, err
	}
	return r, out, true, nil
}

// ReadAll drains the file into memory. Intended for tests and small diffs.
func (sr *SortedReader) ReadAll() ([]types.DiffRecord, [][]byte, error) {
	var recs []types.DiffRecord
	var datas [][]byte
	for {
		rec, data, ok, err := sr.Next()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return recs, datas, nil
		}
		recs = append(recs, rec)
		datas = append(datas, data)
	}
}
