package wdiff

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walb-tools/go-walb/internal/types"
)

func TestIndexedLaterWins(t *testing.T) {
	var buf bytes.Buffer
	w := NewIndexedWriter(&buf, NewDiffFileHeader(types.DiffFileIndexed, 64, testUUID), types.CmprSnappy)

	first := testBlockData(8, 0x10)
	second := testBlockData(8, 0x20)
	require.NoError(t, w.Add(0, 8, 0, first))
	require.NoError(t, w.Add(4, 8, 0, second)) // overlaps [4,8) of the first
	require.NoError(t, w.Close())

	r, err := OpenIndexedReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 1<<20)
	require.NoError(t, err)

	// [0,4): first write; [4,12): second write.
	for addr := uint64(0); addr < 12; addr++ {
		blk, ok, err := r.ReadBlock(addr)
		require.NoError(t, err, "addr %d", addr)
		require.True(t, ok, "addr %d", addr)
		var want []byte
		if addr < 4 {
			off := addr * types.LogicalBlockSize
			want = first[off : off+types.LogicalBlockSize]
		} else {
			off := (addr - 4) * types.LogicalBlockSize
			want = second[off : off+types.LogicalBlockSize]
		}
		require.True(t, bytes.Equal(blk, want), "addr %d content", addr)
	}

	_, ok, err := r.ReadBlock(12)
	require.NoError(t, err)
	require.False(t, ok, "address 12 must be uncovered")
}

func TestIndexedLaterWinsReverseArrival(t *testing.T) {
	// The later arrival starts earlier: [4,12) then [0,8). Reads in [4,8)
	// must see the second write.
	var buf bytes.Buffer
	w := NewIndexedWriter(&buf, NewDiffFileHeader(types.DiffFileIndexed, 64, testUUID), types.CmprNone)

	first := testBlockData(8, 0x30)
	second := testBlockData(8, 0x40)
	require.NoError(t, w.Add(4, 8, 0, first))
	require.NoError(t, w.Add(0, 8, 0, second))
	require.NoError(t, w.Close())

	r, err := OpenIndexedReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 1<<20)
	require.NoError(t, err)

	blk, ok, err := r.ReadBlock(6)
	require.NoError(t, err)
	require.True(t, ok)
	off := 6 * types.LogicalBlockSize
	require.True(t, bytes.Equal(blk, second[off:off+types.LogicalBlockSize]),
		"address 6 must show the later write")
}

func TestIndexedDiscardAndAllZeroReadAsZero(t *testing.T) {
	// DISCARD [0,8) then ALLZERO [4,12): replay at address 6 observes zero.
	var buf bytes.Buffer
	w := NewIndexedWriter(&buf, NewDiffFileHeader(types.DiffFileIndexed, 64, testUUID), types.CmprNone)
	require.NoError(t, w.Add(0, 8, 1<<types.DiffRecordDiscard, nil))
	require.NoError(t, w.Add(4, 8, 1<<types.DiffRecordAllZero, nil))
	require.NoError(t, w.Close())

	r, err := OpenIndexedReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 1<<20)
	require.NoError(t, err)
	blk, ok, err := r.ReadBlock(6)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, make([]byte, types.LogicalBlockSize), blk)
}

func TestIndexedCacheBytesBounded(t *testing.T) {
	c, err := NewIndexedDiffCache(3 * types.LogicalBlockSize)
	require.NoError(t, err)

	blk := func(seed byte) []byte { return testBlockData(1, seed) }
	for i := uint64(0); i < 10; i++ {
		c.Put(i, blk(byte(i)))
	}
	require.LessOrEqual(t, c.Bytes(), 3*types.LogicalBlockSize)
	require.LessOrEqual(t, c.Len(), 3)

	// Most recent entries survive.
	_, ok := c.Get(9)
	require.True(t, ok)
	_, ok = c.Get(0)
	require.False(t, ok)
}

func TestIndexedTrailerCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewIndexedWriter(&buf, NewDiffFileHeader(types.DiffFileIndexed, 64, testUUID), types.CmprNone)
	require.NoError(t, w.Add(0, 1, 0, testBlockData(1, 1)))
	require.NoError(t, w.Close())

	data := buf.Bytes()
	data[len(data)-types.DiffTrailerSize] ^= 0xff // break the magic
	_, err := OpenIndexedReader(bytes.NewReader(data), int64(len(data)), 1<<20)
	require.Error(t, err)
}
