package services

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/types"
)

func newBackupEnv(t *testing.T, archiveAddr string, sizeLb uint64) (*StorageContext, string, []byte) {
	t.Helper()
	base := t.TempDir()

	// The volume's wdev is backed by a plain file for the sync read path.
	bdevPath, content := writeDeviceFile(t, base, sizeLb, 11)
	wldevPath := filepath.Join(base, "wldev.img")
	img, err := device.FormatWldev(wldevPath, 512, 1024, 0x77, uuid.New())
	require.NoError(t, err)
	require.NoError(t, img.Close())

	cfg := DefaultConfig()
	cfg.NodeID = "s0"
	cfg.BaseDir = filepath.Join(base, "vols")
	cfg.ArchiveAddr = archiveAddr
	sc := NewStorageContext(cfg)
	dev := device.NewMemWdev("wdev0", wldevPath, sizeLb, 1024)
	sc.WdevFactory = memWdevFactory(dev)

	require.NoError(t, InitVol(sc, "vol0", bdevPath))
	return sc, "vol0", content
}

func TestFullBackupEndToEnd(t *testing.T) {
	const sizeLb = 256
	fa := newFakeArchive(t, true, sizeLb, nil)
	sc, volID, content := newBackupEnv(t, fa.addr(), sizeLb)

	require.NoError(t, RunBackup(sc, volID, 16, true))

	volSt := sc.VolState(volID)
	require.Equal(t, StateTarget, volSt.SM.Get())
	require.True(t, sc.IsMonitored(volID))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.True(t, fa.complete)
	require.True(t, bytes.Equal(fa.data, content))
	require.Equal(t, uint64(0), fa.gotSnap.GidB)
	require.Equal(t, uint64(1), fa.gotSnap.GidE)

	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	id, err := vi.UUID()
	require.NoError(t, err)
	require.Equal(t, id, fa.gotUUID)
}

func TestHashBackupEndToEnd(t *testing.T) {
	const sizeLb = 256
	// Archive already has a close copy: one diverged byte.
	base := t.TempDir()
	_, content := writeDeviceFile(t, base, sizeLb, 11)
	local := append([]byte(nil), content...)
	local[types.LogicalBlockSize*40] ^= 0x01

	fa := newFakeArchive(t, false, sizeLb, local)
	fa.baseSnap = types.MetaSnap{GidB: 5, GidE: 5}
	sc, volID, content2 := newBackupEnv(t, fa.addr(), sizeLb)

	require.NoError(t, RunBackup(sc, volID, 16, false))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.True(t, fa.complete)
	require.True(t, bytes.Equal(fa.data, content2))
	require.Equal(t, uint64(6), fa.gotSnap.GidB, "hash backup resumes after the archive's base gid")

	// The volume progressed to Target.
	require.Equal(t, StateTarget, sc.VolState(volID).SM.Get())
}

func TestBackupForceStop(t *testing.T) {
	const sizeLb = 1 << 15 // 16 MiB keeps the sync busy long enough
	fa := newFakeArchive(t, true, sizeLb, nil)
	fa.throttle = 2 * time.Millisecond
	sc, volID, _ := newBackupEnv(t, fa.addr(), sizeLb)

	errC := make(chan error, 1)
	go func() {
		errC <- RunBackup(sc, volID, 16, true)
	}()

	volSt := sc.VolState(volID)
	require.Eventually(t, func() bool {
		return volSt.SM.Get() == PStateFullSync
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, StopVol(sc, volID, true))

	err := <-errC
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrForceStopped)

	// The volume is back in SyncReady, not monitored.
	require.Equal(t, StateSyncReady, volSt.SM.Get())
	require.False(t, sc.IsMonitored(volID))
	require.Equal(t, NotStopping, volSt.StopState.Load())
}

func TestBackupRejectedInWrongState(t *testing.T) {
	const sizeLb = 64
	fa := newFakeArchive(t, true, sizeLb, nil)
	sc, volID, _ := newBackupEnv(t, fa.addr(), sizeLb)

	sc.VolState(volID).SM.Set(StateTarget)
	err := RunBackup(sc, volID, 16, true)
	require.Error(t, err)

	// State is untouched by the rejected attempt.
	require.Equal(t, StateTarget, sc.VolState(volID).SM.Get())
}
