package wdiff

import (
	"bytes"
	"testing"

	"github.com/walb-tools/go-walb/internal/compression"
	"github.com/walb-tools/go-walb/internal/types"
)

// createTestPackBuffer builds a serialized uncompressed pack with two normal
// records and one discard.
func createTestPackBuffer(t *testing.T) ([]byte, [][]byte) {
	t.Helper()
	var b PackBuilder
	payloads := [][]byte{testBlockData(8, 1), testBlockData(4, 2)}
	addrs := []uint64{0, 16}
	for i, p := range payloads {
		rec := normalRec(addrs[i], uint32(len(p)/types.LogicalBlockSize))
		rec.DataSize = uint32(len(p))
		rec.Checksum = types.Checksum(p, 0)
		if err := b.Add(rec, p); err != nil {
			t.Fatal(err)
		}
	}
	d := types.DiffRecord{IoAddress: 100, IoBlocks: 8}
	d.SetDiscard()
	if err := b.Add(d, nil); err != nil {
		t.Fatal(err)
	}
	h, data := b.Finalize()
	return append(h, data...), payloads
}

func TestPackCompressUncompressRoundTrip(t *testing.T) {
	buf, payloads := createTestPackBuffer(t)

	pc := &PackCompressor{CmprType: types.CmprSnappy}
	compressed, err := pc.Convert(buf)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(buf) {
		t.Errorf("compressible pack did not shrink: %d >= %d", len(compressed), len(buf))
	}

	pu := &PackUncompressor{}
	restored, err := pu.Convert(compressed)
	if err != nil {
		t.Fatalf("uncompress: %v", err)
	}
	h, err := ParsePackHeader(restored[:types.DiffPackSize])
	if err != nil {
		t.Fatalf("restored pack invalid: %v", err)
	}
	if h.NRecords != 3 {
		t.Fatalf("restored pack has %d records", h.NRecords)
	}
	data := restored[types.DiffPackSize:]
	for i, p := range payloads {
		rec := h.Records[i]
		if rec.CompressionType != types.CmprNone {
			t.Errorf("record %d still compressed", i)
		}
		if !bytes.Equal(data[rec.DataOffset:rec.DataOffset+rec.DataSize], p) {
			t.Errorf("record %d payload mismatch", i)
		}
	}
	if !h.Records[2].IsDiscard() {
		t.Error("discard record lost")
	}
}

func TestPackConvertThroughConverterQueue(t *testing.T) {
	pc := &PackCompressor{CmprType: types.CmprGzip}
	q := compression.NewConverterQueue(4, 4, pc.Convert)

	var inputs [][]byte
	for i := 0; i < 8; i++ {
		buf, _ := createTestPackBuffer(t)
		inputs = append(inputs, buf)
	}
	go func() {
		for _, in := range inputs {
			q.Push(in)
		}
		q.Quit()
	}()

	pu := &PackUncompressor{}
	n := 0
	for {
		out, ok, err := q.Pop()
		if !ok {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		restored, err := pu.Convert(out)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(restored, inputs[n]) {
			t.Errorf("pack %d did not round trip through the queue", n)
		}
		n++
	}
	if n != len(inputs) {
		t.Fatalf("converted %d packs, want %d", n, len(inputs))
	}
	q.Close()
}
