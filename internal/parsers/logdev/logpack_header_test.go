package logdev

import (
	"testing"

	"github.com/walb-tools/go-walb/internal/types"
)

const (
	testPbs  = 4096
	testSalt = 0x12345678
)

// createTestPackHeader builds a logpack with one normal, one discard and one
// padding record.
func createTestPackHeader(t *testing.T, lsid uint64) *PackHeader {
	t.Helper()
	p := NewPackHeader(testPbs, testSalt)
	p.Init(lsid)
	if ok, err := p.AddNormalIo(0, 8); !ok || err != nil {
		t.Fatalf("AddNormalIo: ok=%v err=%v", ok, err)
	}
	if ok, err := p.AddDiscardIo(16, 8); !ok || err != nil {
		t.Fatalf("AddDiscardIo: ok=%v err=%v", ok, err)
	}
	if ok, err := p.AddPadding(8); !ok || err != nil {
		t.Fatalf("AddPadding: ok=%v err=%v", ok, err)
	}
	return p
}

func TestPackHeaderRoundTrip(t *testing.T) {
	p := createTestPackHeader(t, 1000)
	data := p.Serialize()

	q := NewPackHeader(testPbs, testSalt)
	if err := q.Parse(data); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := q.Verify(data); got != ParseValid {
		t.Fatalf("verify: got %v, want ParseValid", got)
	}
	if q.H.NRecords != 3 || q.H.NPadding != 1 {
		t.Errorf("n_records %d n_padding %d", q.H.NRecords, q.H.NPadding)
	}
	// normal 8 lb = 1 pb, discard contributes nothing, padding 8 lb = 1 pb
	if q.H.TotalIoSize != 2 {
		t.Errorf("total_io_size %d, want 2", q.H.TotalIoSize)
	}
	for i, r := range q.H.Records {
		if r.Lsid != q.H.LogpackLsid+uint64(r.LsidLocal) {
			t.Errorf("record %d: lsid %d != logpack_lsid+lsid_local", i, r.Lsid)
		}
	}
	if got, want := q.NextLogpackLsid(), uint64(1000+1+2); got != want {
		t.Errorf("next lsid %d, want %d", got, want)
	}
}

func TestPackHeaderVerifyRejects(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(p *PackHeader, data []byte)
	}{
		{"corrupted checksum", func(p *PackHeader, data []byte) { data[100] ^= 1 }},
		{"wrong sector type", func(p *PackHeader, data []byte) { p.H.SectorType = types.SectorTypeSuper }},
		{"broken lsid chain", func(p *PackHeader, data []byte) { p.H.Records[0].Lsid++ }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := createTestPackHeader(t, 42)
			data := p.Serialize()
			tc.mutate(p, data)
			if got := p.Verify(data); got != ParseInvalid {
				t.Errorf("got %v, want ParseInvalid", got)
			}
		})
	}
}

func TestPackHeaderShrink(t *testing.T) {
	p := createTestPackHeader(t, 77)
	p.Shrink(1)

	if p.H.NRecords != 1 {
		t.Fatalf("n_records %d, want 1", p.H.NRecords)
	}
	if p.H.TotalIoSize != 1 || p.H.NPadding != 0 {
		t.Errorf("total_io_size %d n_padding %d after shrink", p.H.TotalIoSize, p.H.NPadding)
	}
	data := p.Serialize()
	if got := p.Verify(data); got != ParseValid {
		t.Errorf("shrunken pack must verify, got %v", got)
	}
}

func TestVerifyOrShrinkTruncatesAtFirstBadRecord(t *testing.T) {
	p := createTestPackHeader(t, 300)
	// Break the lsid chain of the second record and reserialize, as a crash
	// between the record array update and the data write would leave it.
	p.H.Records[1].Lsid += 7
	data := p.Serialize()

	q := NewPackHeader(testPbs, testSalt)
	if err := q.Parse(data); err != nil {
		t.Fatal(err)
	}
	if got := q.VerifyOrShrink(data); got != ParseShrunken {
		t.Fatalf("got %v, want ParseShrunken", got)
	}
	if q.H.NRecords != 1 {
		t.Errorf("n_records %d after shrink, want 1", q.H.NRecords)
	}
	if out := q.Serialize(); q.Verify(out) != ParseValid {
		t.Error("shrunken pack must verify")
	}
}

func TestPackHeaderCapacityLimits(t *testing.T) {
	p := NewPackHeader(testPbs, 0)
	p.Init(0)
	n := 0
	for {
		ok, err := p.AddDiscardIo(uint64(n*8), 8)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != types.MaxNLogRecordInSector(testPbs) {
		t.Errorf("accepted %d records, want %d", n, types.MaxNLogRecordInSector(testPbs))
	}

	p2 := NewPackHeader(testPbs, 0)
	p2.Init(0)
	if ok, _ := p2.AddPadding(8); !ok {
		t.Fatal("first padding rejected")
	}
	if ok, _ := p2.AddPadding(8); ok {
		t.Error("second padding must be rejected")
	}
}

func TestPackHeaderUpdateLsid(t *testing.T) {
	p := createTestPackHeader(t, 5)
	p.UpdateLsid(500)
	if p.H.LogpackLsid != 500 {
		t.Fatalf("logpack_lsid %d", p.H.LogpackLsid)
	}
	for i, r := range p.H.Records {
		if r.Lsid != 500+uint64(r.LsidLocal) {
			t.Errorf("record %d lsid not rebased", i)
		}
	}
	data := p.Serialize()
	if got := p.Verify(data); got != ParseValid {
		t.Errorf("rebased pack must verify, got %v", got)
	}
}

func TestEndPackHeader(t *testing.T) {
	p := NewPackHeader(testPbs, 0)
	p.SetEnd()
	if !p.H.IsEnd() {
		t.Error("SetEnd did not produce a terminator")
	}
}
