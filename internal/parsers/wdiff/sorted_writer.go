package wdiff

import (
	"fmt"
	"io"

	"github.com/walb-tools/go-walb/internal/compression"
	"github.com/walb-tools/go-walb/internal/types"
)

// SortedWriter streams a sorted wdiff: file header, then packs of up to 128
// records, then the terminal empty pack. Records must arrive in strictly
// increasing io_address order without overlap.
type SortedWriter struct {
	w         io.Writer
	cmprType  uint8
	builder   PackBuilder
	wroteHdr  bool
	closed    bool
	lastEnd   uint64
	hasRecord bool
	header    *types.DiffFileHeader
}

// NewSortedWriter writes a sorted wdiff to w, compressing each IO with
// cmprType under the compress-if-smaller policy.
func NewSortedWriter(w io.Writer, header *types.DiffFileHeader, cmprType uint8) *SortedWriter {
	return &SortedWriter{w: w, cmprType: cmprType, header: header}
}

func (sw *SortedWriter) writeFileHeader() error {
	if sw.wroteHdr {
		return nil
	}
	if _, err := sw.w.Write(SerializeFileHeader(sw.header)); err != nil {
		return fmt.Errorf("failed to write diff file header: %w", err)
	}
	sw.wroteHdr = true
	return nil
}

// Add appends one record with its uncompressed data. For ALLZERO and DISCARD
// records data must be nil.
func (sw *SortedWriter) Add(rec types.DiffRecord, data []byte) error {
	if sw.closed {
		return fmt.Errorf("writer is closed")
	}
	if err := VerifyDiffRecord(&rec); err != nil {
		return err
	}
	if sw.hasRecord && rec.IoAddress < sw.lastEnd {
		return fmt.Errorf("record at address %d overlaps or precedes previous end %d: %w",
			rec.IoAddress, sw.lastEnd, types.ErrInvalidFormat)
	}
	if err := sw.writeFileHeader(); err != nil {
		return err
	}

	var stored []byte
	if rec.IsNormal() {
		if len(data) != int(rec.IoBlocks)*types.LogicalBlockSize {
			return fmt.Errorf("data size %d does not match io_blocks %d", len(data), rec.IoBlocks)
		}
		var err error
		stored, err = compression.CompressRecord(sw.cmprType, &rec, data)
		if err != nil {
			return err
		}
	} else {
		rec.DataSize = 0
		rec.Checksum = 0
	}

	if !sw.builder.CanAdd(rec.DataSize) {
		if err := sw.flushPack(); err != nil {
			return err
		}
	}
	if err := sw.builder.Add(rec, stored); err != nil {
		return err
	}
	sw.lastEnd = rec.EndIoAddress()
	sw.hasRecord = true
	return nil
}

func (sw *SortedWriter) flushPack() error {
	if sw.builder.IsEmpty() {
		return nil
	}
	header, data := sw.builder.Finalize()
	if _, err := sw.w.Write(header); err != nil {
		return fmt.Errorf("failed to write diff pack header: %w", err)
	}
	if _, err := sw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write diff pack data: %w", err)
	}
	return nil
}

// Close flushes the pending pack and writes the terminal empty pack.
func (sw *SortedWriter) Close() error {
	if sw.closed {
		return nil
	}
	if err := sw.writeFileHeader(); err != nil {
		return err
	}
	if err := sw.flushPack(); err != nil {
		return err
	}
	if _, err := sw.w.Write(SerializeEndPack()); err != nil {
		return fmt.Errorf("failed to write end pack: %w", err)
	}
	sw.closed = true
	return nil
}
