package logdev

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

// blockSliceReader feeds fixed blocks to the parser in order.
type blockSliceReader struct {
	blocks [][]byte
	pos    int
	pbs    uint32
	salt   uint32
}

func (r *blockSliceReader) Reset(lsid uint64) error { return nil }

func (r *blockSliceReader) ReadBlock() ([]byte, error) {
	if r.pos >= len(r.blocks) {
		return nil, fmt.Errorf("end of blocks")
	}
	b := r.blocks[r.pos]
	r.pos++
	return b, nil
}

func (r *blockSliceReader) Pbs() uint32  { return r.pbs }
func (r *blockSliceReader) Salt() uint32 { return r.salt }

// createTestLogpack serializes a one-record logpack and its data block.
func createTestLogpack(t *testing.T, lsid uint64, payload byte) *blockSliceReader {
	t.Helper()
	p := NewPackHeader(testPbs, testSalt)
	p.Init(lsid)
	if ok, err := p.AddNormalIo(0, 8); !ok || err != nil {
		t.Fatalf("AddNormalIo: ok=%v err=%v", ok, err)
	}
	data := make([]byte, testPbs)
	for i := range data {
		data[i] = payload
	}
	p.H.Records[0].Checksum = CalcIoChecksum([][]byte{data}, 8, testSalt)
	return &blockSliceReader{
		blocks: [][]byte{p.Serialize(), data},
		pbs:    testPbs,
		salt:   testSalt,
	}
}

func TestReadPackHeaderAndIo(t *testing.T) {
	r := createTestLogpack(t, 123, 0xab)

	p, raw, res, err := ReadPackHeader(r, 123)
	if err != nil {
		t.Fatalf("ReadPackHeader: %v", err)
	}
	if res != ParseValid {
		t.Fatalf("result %v, want ParseValid", res)
	}
	if len(raw) != testPbs {
		t.Fatalf("raw block %d bytes", len(raw))
	}

	blocks, err := ReadPackIo(r, p, 0)
	if err != nil {
		t.Fatalf("ReadPackIo: %v", err)
	}
	if len(blocks) != 1 || blocks[0][0] != 0xab {
		t.Errorf("unexpected IO data")
	}
}

func TestReadPackHeaderLsidMismatch(t *testing.T) {
	r := createTestLogpack(t, 123, 0)
	_, _, res, err := ReadPackHeader(r, 124)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ParseInvalid {
		t.Errorf("result %v, want ParseInvalid for lsid mismatch", res)
	}
}

func TestReadPackIoChecksumMismatch(t *testing.T) {
	r := createTestLogpack(t, 5, 0x11)
	p, _, res, err := ReadPackHeader(r, 5)
	if err != nil || res != ParseValid {
		t.Fatalf("setup: res=%v err=%v", res, err)
	}
	r.blocks[1][0] ^= 0xff
	if _, err := ReadPackIo(r, p, 0); err == nil {
		t.Error("expected checksum mismatch error")
	}
}

func TestWlogFileHeaderRoundTrip(t *testing.T) {
	id := uuid.MustParse("0a0b0c0d-0e0f-1011-1213-141516171819")
	h := NewWlogFileHeader(testPbs, testSalt, id, 100, 200)
	data := SerializeWlogFileHeader(h)

	got, err := ParseWlogFileHeader(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if *got != *h {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, h)
	}

	data[8] ^= 1
	if _, err := ParseWlogFileHeader(data); err == nil {
		t.Error("expected checksum error")
	}

	bad := NewWlogFileHeader(testPbs, testSalt, id, 200, 200)
	if _, err := ParseWlogFileHeader(SerializeWlogFileHeader(bad)); err == nil {
		t.Error("expected empty-range error")
	}
}
