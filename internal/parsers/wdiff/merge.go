package wdiff

import (
	"sort"

	"github.com/walb-tools/go-walb/internal/types"
)

// diffIo is one in-memory (record, data) pair used during merges.
type diffIo struct {
	rec  types.DiffRecord
	data []byte
}

// Merge overlays sorted diff B onto sorted diff A: every address B covers
// takes B's content, the rest keeps A's. ALLZERO and DISCARD compose
// later-wins like normal records. Inputs must be sorted and non-overlapping;
// the output is sorted and non-overlapping.
//
// This mirrors the archive-side merge the wire format depends on: a clipped
// remainder of an A record keeps its flags and the corresponding slice of its
// data.
func Merge(aRecs []types.DiffRecord, aData [][]byte, bRecs []types.DiffRecord, bData [][]byte) ([]types.DiffRecord, [][]byte) {
	var out []diffIo
	for i := range aRecs {
		out = append(out, clipAgainst(diffIo{rec: aRecs[i], data: aData[i]}, bRecs)...)
	}
	for i := range bRecs {
		out = append(out, diffIo{rec: bRecs[i], data: bData[i]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].rec.IoAddress < out[j].rec.IoAddress
	})
	recs := make([]types.DiffRecord, len(out))
	datas := make([][]byte, len(out))
	for i := range out {
		recs[i] = out[i].rec
		datas[i] = out[i].data
	}
	return recs, datas
}

// clipAgainst removes from io every sub-range covered by any of recs and
// returns the surviving fragments.
func clipAgainst(io diffIo, recs []types.DiffRecord) []diffIo {
	frags := []diffIo{io}
	for i := range recs {
		var next []diffIo
		for _, f := range frags {
			next = append(next, clipOne(f, &recs[i])...)
		}
		frags = next
		if len(frags) == 0 {
			break
		}
	}
	return frags
}

// clipOne subtracts mask's range from f, producing 0, 1 or 2 fragments.
func clipOne(f diffIo, mask *types.DiffRecord) []diffIo {
	if !f.rec.Overlaps(mask) {
		return []diffIo{f}
	}
	var out []diffIo
	if f.rec.IoAddress < mask.IoAddress {
		out = append(out, sliceIo(f, f.rec.IoAddress, mask.IoAddress))
	}
	if f.rec.EndIoAddress() > mask.EndIoAddress() {
		out = append(out, sliceIo(f, mask.EndIoAddress(), f.rec.EndIoAddress()))
	}
	return out
}

// sliceIo returns the [begin, end) sub-range of f with its data slice.
func sliceIo(f diffIo, begin, end uint64) diffIo {
	rec := f.rec
	rec.IoAddress = begin
	rec.IoBlocks = uint32(end - begin)
	var data []byte
	if rec.IsNormal() {
		off := (begin - f.rec.IoAddress) * types.LogicalBlockSize
		data = f.data[off : off+uint64(rec.IoBlocks)*types.LogicalBlockSize]
	}
	rec.DataSize = 0
	rec.Checksum = 0
	rec.CompressionType = types.CmprNone
	return diffIo{rec: rec, data: data}
}
