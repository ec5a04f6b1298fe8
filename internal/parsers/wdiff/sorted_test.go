package wdiff

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/types"
)

var testUUID = uuid.MustParse("11223344-5566-7788-99aa-bbccddeeff00")

// testBlockData returns blocks logical blocks of compressible content.
func testBlockData(blocks uint32, seed byte) []byte {
	data := make([]byte, int(blocks)*types.LogicalBlockSize)
	for i := range data {
		data[i] = seed + byte(i/128)
	}
	return data
}

func normalRec(addr uint64, blocks uint32) types.DiffRecord {
	return types.DiffRecord{IoAddress: addr, IoBlocks: blocks}
}

func TestSortedRoundTrip(t *testing.T) {
	for _, cmpr := range []uint8{types.CmprNone, types.CmprSnappy, types.CmprGzip, types.CmprLzma} {
		var buf bytes.Buffer
		w := NewSortedWriter(&buf, NewDiffFileHeader(types.DiffFileSorted, 64, testUUID), cmpr)

		type in struct {
			rec  types.DiffRecord
			data []byte
		}
		discard := types.DiffRecord{IoAddress: 100, IoBlocks: 8}
		discard.SetDiscard()
		allZero := types.DiffRecord{IoAddress: 200, IoBlocks: 16}
		allZero.SetAllZero()
		ins := []in{
			{normalRec(0, 8), testBlockData(8, 1)},
			{normalRec(16, 32), testBlockData(32, 2)},
			{discard, nil},
			{allZero, nil},
			{normalRec(300, 1), testBlockData(1, 3)},
		}
		for _, x := range ins {
			if err := w.Add(x.rec, x.data); err != nil {
				t.Fatalf("cmpr %d: Add: %v", cmpr, err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatalf("cmpr %d: Close: %v", cmpr, err)
		}

		r, err := NewSortedReader(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("cmpr %d: NewSortedReader: %v", cmpr, err)
		}
		recs, datas, err := r.ReadAll()
		if err != nil {
			t.Fatalf("cmpr %d: ReadAll: %v", cmpr, err)
		}
		if len(recs) != len(ins) {
			t.Fatalf("cmpr %d: %d records, want %d", cmpr, len(recs), len(ins))
		}
		for i, x := range ins {
			if recs[i].IoAddress != x.rec.IoAddress || recs[i].IoBlocks != x.rec.IoBlocks ||
				recs[i].Flags != x.rec.Flags {
				t.Errorf("cmpr %d: record %d mismatch: got %+v want %+v", cmpr, i, recs[i], x.rec)
			}
			if !bytes.Equal(datas[i], x.data) {
				t.Errorf("cmpr %d: record %d data mismatch", cmpr, i)
			}
		}
	}
}

func TestSortedWriterRejectsOverlap(t *testing.T) {
	var buf bytes.Buffer
	w := NewSortedWriter(&buf, NewDiffFileHeader(types.DiffFileSorted, 64, testUUID), types.CmprNone)
	if err := w.Add(normalRec(0, 8), testBlockData(8, 0)); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(normalRec(4, 8), testBlockData(8, 0)); err == nil {
		t.Error("overlapping record must be rejected")
	}
}

func TestSortedReaderStrictAndLenient(t *testing.T) {
	// Hand-build a file with out-of-order records across two packs.
	var buf bytes.Buffer
	buf.Write(SerializeFileHeader(NewDiffFileHeader(types.DiffFileSorted, 64, testUUID)))

	writePack := func(addr uint64) {
		var b PackBuilder
		rec := normalRec(addr, 1)
		data := testBlockData(1, byte(addr))
		rec.DataSize = uint32(len(data))
		rec.Checksum = types.Checksum(data, 0)
		if err := b.Add(rec, data); err != nil {
			t.Fatal(err)
		}
		h, d := b.Finalize()
		buf.Write(h)
		buf.Write(d)
	}
	writePack(100)
	writePack(50)
	buf.Write(SerializeEndPack())

	r, err := NewSortedReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.ReadAll(); err == nil {
		t.Error("strict reader must reject out-of-order records")
	}

	r2, err := NewSortedReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	r2.Lenient = true
	recs, _, err := r2.ReadAll()
	if err != nil {
		t.Fatalf("lenient reader failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("lenient reader returned %d records, want 2", len(recs))
	}
}

func TestSortedEmptyDiff(t *testing.T) {
	var buf bytes.Buffer
	w := NewSortedWriter(&buf, NewDiffFileHeader(types.DiffFileSorted, 64, testUUID), types.CmprSnappy)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := NewSortedReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	recs, _, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("empty diff returned %d records", len(recs))
	}
}

func TestDiscardAllZeroOrderPreserved(t *testing.T) {
	// DISCARD [0,8) then ALLZERO [8,12): the sorted file preserves both in
	// address order.
	var buf bytes.Buffer
	w := NewSortedWriter(&buf, NewDiffFileHeader(types.DiffFileSorted, 64, testUUID), types.CmprNone)
	d := types.DiffRecord{IoAddress: 0, IoBlocks: 8}
	d.SetDiscard()
	z := types.DiffRecord{IoAddress: 8, IoBlocks: 4}
	z.SetAllZero()
	if err := w.Add(d, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(z, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewSortedReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	recs, _, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[0].IsDiscard() || !recs[1].IsAllZero() {
		t.Errorf("unexpected records: %+v", recs)
	}
}
