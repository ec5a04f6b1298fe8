package wdiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/walb-tools/go-walb/internal/compression"
	"github.com/walb-tools/go-walb/internal/types"
)

// serializeIndexRecord encodes rec at data[off:].
func serializeIndexRecord(data []byte, off int, rec *types.DiffIndexRecord) {
	binary.LittleEndian.PutUint64(data[off:off+8], rec.IoAddress)
	binary.LittleEndian.PutUint32(data[off+8:off+12], rec.IoBlocks)
	binary.LittleEndian.PutUint32(data[off+12:off+16], rec.OrigBlocks)
	binary.LittleEndian.PutUint64(data[off+16:off+24], rec.DataOffset)
	binary.LittleEndian.PutUint32(data[off+24:off+28], rec.DataSize)
	data[off+28] = rec.CompressionType
	data[off+29] = rec.Flags
	binary.LittleEndian.PutUint32(data[off+32:off+36], rec.Checksum)
	binary.LittleEndian.PutUint32(data[off+36:off+40], rec.Seq)
}

// parseIndexRecord decodes one index record at data[off:].
func parseIndexRecord(data []byte, off int) types.DiffIndexRecord {
	return types.DiffIndexRecord{
		IoAddress:       binary.LittleEndian.Uint64(data[off : off+8]),
		IoBlocks:        binary.LittleEndian.Uint32(data[off+8 : off+12]),
		OrigBlocks:      binary.LittleEndian.Uint32(data[off+12 : off+16]),
		DataOffset:      binary.LittleEndian.Uint64(data[off+16 : off+24]),
		DataSize:        binary.LittleEndian.Uint32(data[off+24 : off+28]),
		CompressionType: data[off+28],
		Flags:           data[off+29],
		Checksum:        binary.LittleEndian.Uint32(data[off+32 : off+36]),
		Seq:             binary.LittleEndian.Uint32(data[off+36 : off+40]),
	}
}

// IndexedWriter writes IOs in arrival order into the data region and appends
// a sorted index plus the trailer on Close. Overlapping writes are legal;
// later ones win at read time.
type IndexedWriter struct {
	w        io.Writer
	cmprType uint8
	offset   uint64
	index    []types.DiffIndexRecord
	wroteHdr bool
	closed   bool
	header   *types.DiffFileHeader
}

// NewIndexedWriter writes an indexed wdiff to w.
func NewIndexedWriter(w io.Writer, header *types.DiffFileHeader, cmprType uint8) *IndexedWriter {
	return &IndexedWriter{w: w, cmprType: cmprType, header: header}
}

func (iw *IndexedWriter) writeFileHeader() error {
	if iw.wroteHdr {
		return nil
	}
	if _, err := iw.w.Write(SerializeFileHeader(iw.header)); err != nil {
		return fmt.Errorf("failed to write diff file header: %w", err)
	}
	iw.wroteHdr = true
	iw.offset = types.DiffFileHeaderSize
	return nil
}

// Add appends one IO. For ALLZERO and DISCARD records data must be nil.
func (iw *IndexedWriter) Add(addr uint64, blocks uint32, flags uint8, data []byte) error {
	if iw.closed {
		return fmt.Errorf("writer is closed")
	}
	if blocks == 0 {
		return fmt.Errorf("indexed diff IO can not be zero-sized")
	}
	if err := iw.writeFileHeader(); err != nil {
		return err
	}
	rec := types.DiffIndexRecord{
		IoAddress:  addr,
		IoBlocks:   blocks,
		OrigBlocks: blocks,
		DataOffset: iw.offset,
		Flags:      flags,
		Seq:        uint32(len(iw.index)),
	}
	if flags == 0 {
		if len(data) != int(blocks)*types.LogicalBlockSize {
			return fmt.Errorf("data size %d does not match io_blocks %d", len(data), blocks)
		}
		drec := types.DiffRecord{IoAddress: addr, IoBlocks: blocks}
		stored, err := compression.CompressRecord(iw.cmprType, &drec, data)
		if err != nil {
			return err
		}
		rec.CompressionType = drec.CompressionType
		rec.DataSize = drec.DataSize
		rec.Checksum = drec.Checksum
		if _, err := iw.w.Write(stored); err != nil {
			return fmt.Errorf("failed to write indexed diff data: %w", err)
		}
		iw.offset += uint64(len(stored))
	}
	iw.index = append(iw.index, rec)
	return nil
}

// Close writes the sorted index region and the trailer.
func (iw *IndexedWriter) Close() error {
	if iw.closed {
		return nil
	}
	if err := iw.writeFileHeader(); err != nil {
		return err
	}
	// Stable sort: arrival order breaks address ties, the reader resolves
	// overlaps later-wins by scanning equal/overlapping entries backwards.
	sort.SliceStable(iw.index, func(i, j int) bool {
		return iw.index[i].IoAddress < iw.index[j].IoAddress
	})
	indexData := make([]byte, len(iw.index)*types.DiffIndexRecordSize)
	for i := range iw.index {
		serializeIndexRecord(indexData, i*types.DiffIndexRecordSize, &iw.index[i])
	}
	if _, err := iw.w.Write(indexData); err != nil {
		return fmt.Errorf("failed to write indexed diff index: %w", err)
	}
	trailer := make([]byte, types.DiffTrailerSize)
	binary.LittleEndian.PutUint32(trailer[0:4], types.DiffTrailerMagic)
	binary.LittleEndian.PutUint32(trailer[4:8], types.Checksum(indexData, 0))
	binary.LittleEndian.PutUint64(trailer[8:16], iw.offset)
	binary.LittleEndian.PutUint64(trailer[16:24], uint64(len(iw.index)))
	binary.LittleEndian.PutUint64(trailer[24:32], iw.offset)
	if _, err := iw.w.Write(trailer); err != nil {
		return fmt.Errorf("failed to write indexed diff trailer: %w", err)
	}
	iw.closed = true
	return nil
}

// IndexedReader serves point reads from an indexed wdiff through a
// byte-bounded LRU cache. It is single-reader: methods must not be called
// concurrently.
type IndexedReader struct {
	r         io.ReaderAt
	Header    *types.DiffFileHeader
	Trailer   types.DiffTrailer
	index     []types.DiffIndexRecord
	maxBlocks uint64
	cache     *IndexedDiffCache
}

// OpenIndexedReader parses the header, trailer and index of an indexed wdiff
// of fileSize bytes.
func OpenIndexedReader(r io.ReaderAt, fileSize int64, cacheBytes int) (*IndexedReader, error) {
	hbuf := make([]byte, types.DiffFileHeaderSize)
	if _, err := r.ReadAt(hbuf, 0); err != nil {
		return nil, fmt.Errorf("failed to read diff file header: %w", err)
	}
	h, err := ParseFileHeader(hbuf)
	if err != nil {
		return nil, err
	}
	if h.Type != types.DiffFileIndexed {
		return nil, fmt.Errorf("not an indexed wdiff (type %d): %w", h.Type, types.ErrInvalidFormat)
	}
	if fileSize < types.DiffTrailerSize {
		return nil, fmt.Errorf("file too small for trailer: %d bytes", fileSize)
	}
	tbuf := make([]byte, types.DiffTrailerSize)
	if _, err := r.ReadAt(tbuf, fileSize-types.DiffTrailerSize); err != nil {
		return nil, fmt.Errorf("failed to read indexed diff trailer: %w", err)
	}
	trailer := types.DiffTrailer{
		Magic:            binary.LittleEndian.Uint32(tbuf[0:4]),
		Checksum:         binary.LittleEndian.Uint32(tbuf[4:8]),
		IndexOffset:      binary.LittleEndian.Uint64(tbuf[8:16]),
		NIndexRecords:    binary.LittleEndian.Uint64(tbuf[16:24]),
		OriginalFileSize: binary.LittleEndian.Uint64(tbuf[24:32]),
	}
	if trailer.Magic != types.DiffTrailerMagic {
		return nil, fmt.Errorf("bad indexed diff trailer magic %08x: %w", trailer.Magic, types.ErrInvalidFormat)
	}
	indexData := make([]byte, trailer.NIndexRecords*types.DiffIndexRecordSize)
	if _, err := r.ReadAt(indexData, int64(trailer.IndexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read indexed diff index: %w", err)
	}
	if types.Checksum(indexData, 0) != trailer.Checksum {
		return nil, fmt.Errorf("indexed diff index checksum mismatch: %w", types.ErrInvalidFormat)
	}
	index := make([]types.DiffIndexRecord, trailer.NIndexRecords)
	maxBlocks := uint64(0)
	for i := range index {
		index[i] = parseIndexRecord(indexData, i*types.DiffIndexRecordSize)
		if uint64(index[i].IoBlocks) > maxBlocks {
			maxBlocks = uint64(index[i].IoBlocks)
		}
	}
	cache, err := NewIndexedDiffCache(cacheBytes)
	if err != nil {
		return nil, err
	}
	return &IndexedReader{r: r, Header: h, Trailer: trailer, index: index, maxBlocks: maxBlocks, cache: cache}, nil
}

// data returns the uncompressed bytes of index record i, via the cache.
func (ir *IndexedReader) data(i int) ([]byte, error) {
	if b, ok := ir.cache.Get(ir.index[i].DataOffset); ok {
		return b, nil
	}
	rec := &ir.index[i]
	stored := make([]byte, rec.DataSize)
	if _, err := ir.r.ReadAt(stored, int64(rec.DataOffset)); err != nil {
		return nil, fmt.Errorf("failed to read indexed diff data: %w", err)
	}
	drec := types.DiffRecord{
		IoAddress:       rec.IoAddress,
		IoBlocks:        rec.IoBlocks,
		CompressionType: rec.CompressionType,
		DataSize:        rec.DataSize,
		Checksum:        rec.Checksum,
	}
	out, err := compression.UncompressRecord(&drec, stored)
	if err != nil {
		return nil, err
	}
	ir.cache.Put(rec.DataOffset, out)
	return out, nil
}

// ReadBlock returns the content of the logical block at addr. Overlapping
// index records resolve later-wins (the record with the highest arrival seq
// masks the others); ok is false when no record covers addr.
func (ir *IndexedReader) ReadBlock(addr uint64) ([]byte, bool, error) {
	// First index entry starting after addr; candidates precede it. A
	// candidate can start at most maxBlocks-1 before addr, which bounds the
	// backward scan.
	hi := sort.Search(len(ir.index), func(i int) bool {
		return ir.index[i].IoAddress > addr
	})
	best := -1
	for i := hi - 1; i >= 0; i-- {
		rec := &ir.index[i]
		if rec.IoAddress+ir.maxBlocks <= addr {
			break
		}
		if addr >= rec.EndIoAddress() {
			continue
		}
		if best < 0 || rec.Seq > ir.index[best].Seq {
			best = i
		}
	}
	if best < 0 {
		return nil, false, nil
	}
	rec := &ir.index[best]
	if rec.IsDiscard() || rec.IsAllZero() {
		return make([]byte, types.LogicalBlockSize), true, nil
	}
	data, err := ir.data(best)
	if err != nil {
		return nil, false, err
	}
	off := (addr - rec.IoAddress) * types.LogicalBlockSize
	return data[off : off+types.LogicalBlockSize], true, nil
}
