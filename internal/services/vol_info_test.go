package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/types"
)

func newTestVolInfo(t *testing.T) *VolInfo {
	t.Helper()
	vi := NewVolInfo(t.TempDir(), "vol0")
	require.NoError(t, vi.Init("/dev/walb/0", uuid.New()))
	return vi
}

func TestVolInfoInitAndClear(t *testing.T) {
	base := t.TempDir()
	vi := NewVolInfo(base, "vol0")
	require.False(t, vi.Exists())

	id := uuid.New()
	require.NoError(t, vi.Init("/dev/walb/0", id))
	require.True(t, vi.Exists())

	st, err := vi.GetState()
	require.NoError(t, err)
	require.Equal(t, StateSyncReady, st)

	gotID, err := vi.UUID()
	require.NoError(t, err)
	require.Equal(t, id, gotID)

	wdev, err := vi.WdevPath()
	require.NoError(t, err)
	require.Equal(t, "/dev/walb/0", wdev)

	require.NoError(t, vi.Clear())
	require.False(t, vi.Exists())
}

func TestVolInfoStateWrittenAtomically(t *testing.T) {
	vi := newTestVolInfo(t)
	require.NoError(t, vi.SetState(StateTarget))

	// No temp files survive a completed write.
	entries, err := os.ReadDir(vi.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}

	st, err := vi.GetState()
	require.NoError(t, err)
	require.Equal(t, StateTarget, st)
}

func TestSnapshotAndTransferBoundaries(t *testing.T) {
	vi := newTestVolInfo(t)

	gid1, err := vi.TakeSnapshot(100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gid1)

	// The snapshot boundary clamps the round even though more log is
	// durable.
	rec0, rec1, limit, err := vi.PrepareWlogTransfer(500, 1<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(0), rec0.Lsid)
	require.Equal(t, gid1, rec1.Gid)
	require.Equal(t, uint64(100), limit)

	diff := vi.TransferDiff(rec0, rec1, 100)
	require.Equal(t, types.NewMetaSnap(0), diff.SnapB)
	require.Equal(t, types.NewMetaSnap(gid1), diff.SnapE)
	require.True(t, diff.IsMergeable)

	remaining, err := vi.FinishWlogTransfer(rec0, rec1, 100, 500)
	require.NoError(t, err)
	require.True(t, remaining, "durable log beyond the boundary remains")

	sendLsid, err := vi.SendLsid()
	require.NoError(t, err)
	require.Equal(t, uint64(100), sendLsid)

	// Next round covers the rest with a synthetic boundary.
	rec0b, rec1b, limit2, err := vi.PrepareWlogTransfer(500, 1<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(100), rec0b.Lsid, "lsid ranges must be contiguous")
	require.Equal(t, uint64(500), limit2)
	require.Greater(t, rec1b.Gid, gid1)
}

func TestPartialTransferKeepsBoundary(t *testing.T) {
	vi := newTestVolInfo(t)
	gid, err := vi.TakeSnapshot(1000)
	require.NoError(t, err)

	rec0, rec1, _, err := vi.PrepareWlogTransfer(1000, 1<<20)
	require.NoError(t, err)

	// The round stopped short at 600.
	diff := vi.TransferDiff(rec0, rec1, 600)
	require.Equal(t, types.MetaSnap{GidB: rec0.Gid, GidE: rec1.Gid}, diff.SnapE,
		"partial progress is a dirty snapshot")

	remaining, err := vi.FinishWlogTransfer(rec0, rec1, 600, 1000)
	require.NoError(t, err)
	require.True(t, remaining)

	// The snapshot boundary survives for the next round.
	rec0b, rec1b, limit, err := vi.PrepareWlogTransfer(1000, 1<<20)
	require.NoError(t, err)
	require.Equal(t, uint64(600), rec0b.Lsid)
	require.Equal(t, gid, rec1b.Gid)
	require.Equal(t, uint64(1000), limit)
}

func TestMaxWlogSendPbClampsRound(t *testing.T) {
	vi := newTestVolInfo(t)
	_, rec1, limit, err := vi.PrepareWlogTransfer(1_000_000, 256)
	require.NoError(t, err)
	require.Equal(t, uint64(256), limit)
	require.Equal(t, uint64(256), rec1.Lsid)
}

func TestResetWlogDiscardsPending(t *testing.T) {
	vi := newTestVolInfo(t)
	_, err := vi.TakeSnapshot(50)
	require.NoError(t, err)
	require.NoError(t, vi.ResetWlog(7, 200))

	oldest, latest, err := vi.GidRange()
	require.NoError(t, err)
	require.Equal(t, uint64(7), oldest)
	require.Equal(t, uint64(7), latest)

	required, err := vi.IsRequiredWlogTransfer(200)
	require.NoError(t, err)
	require.False(t, required, "no work at the reset boundary")
}

func TestRecoveryReadsDurableBoundary(t *testing.T) {
	// A new VolInfo handle over the same directory sees the last durable
	// boundary, as a restarted daemon would.
	base := t.TempDir()
	vi := NewVolInfo(base, "vol0")
	require.NoError(t, vi.Init("/dev/walb/0", uuid.New()))
	rec0, rec1, _, err := vi.PrepareWlogTransfer(300, 1<<20)
	require.NoError(t, err)
	_, err = vi.FinishWlogTransfer(rec0, rec1, 300, 300)
	require.NoError(t, err)

	vi2 := NewVolInfo(base, "vol0")
	sendLsid, err := vi2.SendLsid()
	require.NoError(t, err)
	require.Equal(t, uint64(300), sendLsid)
}

func TestIsRequiredWlogTransferLater(t *testing.T) {
	vi := newTestVolInfo(t)
	dev := device.NewMemWdev("wdev0", "/dev/null", 1<<20, 1024)

	later, err := vi.IsRequiredWlogTransferLater(dev)
	require.NoError(t, err)
	require.False(t, later)

	// Accepted but not yet durable log requires a later round.
	dev.AdvanceLatest(100)
	later, err = vi.IsRequiredWlogTransferLater(dev)
	require.NoError(t, err)
	require.True(t, later)

	// Once the kernel flushed, the regular predicate takes over.
	dev.AdvanceLog(100)
	later, err = vi.IsRequiredWlogTransferLater(dev)
	require.NoError(t, err)
	require.False(t, later)
}

func TestDumpLogpackHeaderFile(t *testing.T) {
	vi := newTestVolInfo(t)
	raw := []byte{1, 2, 3, 4}
	require.NoError(t, vi.DumpLogpackHeader(42, raw))
	got, err := os.ReadFile(filepath.Join(vi.Dir(), "logpackheader-42"))
	require.NoError(t, err)
	require.Equal(t, raw, got)
}
