package services

import (
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/walb-tools/go-walb/internal/device"
	"github.com/walb-tools/go-walb/internal/protocol"
	"github.com/walb-tools/go-walb/internal/types"
)

// RunBackup establishes a base snapshot on the archive with dirty-full-sync
// or dirty-hash-sync and moves the volume SyncReady -> Stopped -> Target.
// On a force stop it returns ErrForceStopped with the volume back in
// SyncReady.
func RunBackup(sc *StorageContext, volID string, bulkLb uint64, isFull bool) error {
	const msg = "backup"
	if bulkLb == 0 {
		return fmt.Errorf("%s: bulkLb must not be zero", msg)
	}
	if err := sc.EnterForeground(); err != nil {
		return err
	}
	defer sc.LeaveForeground()

	volSt := sc.VolState(volID)
	if err := VerifyNotStopping(&volSt.StopState, volID, msg); err != nil {
		return err
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	dev, err := sc.Wdev(volID)
	if err != nil {
		return err
	}

	pseudo := PStateFullSync
	pn := protocol.DirtyFullSyncPN
	if !isFull {
		pseudo = PStateHashSync
		pn = protocol.DirtyHashSyncPN
	}
	tran, err := NewTransaction(volSt.SM, StateSyncReady, pseudo)
	if err != nil {
		return err
	}
	defer tran.Rollback()

	sizeLb, err := dev.SizeLb()
	if err != nil {
		return err
	}
	curTime := time.Now()

	conn, err := protocol.ConnectWithTimeout(sc.Cfg.ArchiveAddr, sc.Cfg.SocketTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	protocol.SetSocketParams(conn, protocol.KeepAliveParams{
		Enabled: sc.Cfg.KeepAlive.Enabled,
		IdleSec: sc.Cfg.KeepAlive.IdleSec,
	}, 0)

	pkt := protocol.NewPacket(conn)
	archiveID, err := protocol.RunNegotiateAsClient(pkt, sc.Cfg.NodeID, pn)
	if err != nil {
		return err
	}
	logger := log.WithField("vol", volID).WithField("archive", archiveID)

	if err := pkt.WriteString(protocol.StorageHT); err != nil {
		return err
	}
	if err := pkt.WriteString(volID); err != nil {
		return err
	}
	if err := pkt.WriteU64(sizeLb); err != nil {
		return err
	}
	if err := pkt.WriteU64(uint64(curTime.Unix())); err != nil {
		return err
	}
	if err := pkt.WriteU64(bulkLb); err != nil {
		return err
	}
	if err := pkt.Flush(); err != nil {
		return err
	}
	res, err := pkt.ReadString()
	if err != nil {
		return err
	}
	if res != "accept" {
		return fmt.Errorf("archive %s rejected %s: %s", archiveID, pn, res)
	}

	gidB := uint64(0)
	if !isFull {
		snap, err := pkt.ReadMetaSnap()
		if err != nil {
			return err
		}
		gidB = snap.GidE + 1
	}
	latest, err := dev.LatestLsid()
	if err != nil {
		return err
	}
	if err := vi.ResetWlog(gidB, latest); err != nil {
		return err
	}
	id, err := vi.UUID()
	if err != nil {
		return err
	}
	if err := pkt.WriteUUID(id); err != nil {
		return err
	}
	if err := pkt.Flush(); err != nil {
		return err
	}
	if err := pkt.ReadAck(); err != nil {
		return err
	}
	sc.StartMonitoring(volID)
	monitoringKept := false
	defer func() {
		if !monitoringKept {
			sc.StopMonitoring(volID)
		}
	}()
	logger.Info(pn + " started")

	var completed bool
	if isFull {
		wdevPath, err := vi.WdevPath()
		if err != nil {
			return err
		}
		completed, err = DirtyFullSyncClient(pkt, wdevPath, sizeLb, bulkLb, &volSt.StopState, sc)
		if err != nil {
			return err
		}
	} else {
		wdevPath, err := vi.WdevPath()
		if err != nil {
			return err
		}
		reader, err := device.NewAsyncBdevReader(wdevPath, types.LogicalBlockSize, 0)
		if err != nil {
			return err
		}
		defer reader.Close()
		completed, err = DirtyHashSyncClient(pkt, reader, sizeLb, bulkLb,
			HashSeedFromTime(curTime), &volSt.StopState, sc)
		if err != nil {
			return err
		}
	}
	if !completed {
		logger.Warn(pn + " force stopped")
		return fmt.Errorf("%s of %s: %w", pn, volID, types.ErrForceStopped)
	}

	latest, err = dev.LatestLsid()
	if err != nil {
		return err
	}
	gidE, err := vi.TakeSnapshot(latest)
	if err != nil {
		return err
	}
	sc.PushTask(volID, 0)
	if err := pkt.WriteMetaSnap(types.MetaSnap{GidB: gidB, GidE: gidE}); err != nil {
		return err
	}
	if err := pkt.Flush(); err != nil {
		return err
	}
	if err := pkt.ReadAck(); err != nil {
		return err
	}

	if err := tran.Commit(StateStopped); err != nil {
		return err
	}
	tran1, err := NewTransaction(volSt.SM, StateStopped, PStateStartTarget)
	if err != nil {
		return err
	}
	defer tran1.Rollback()
	if err := vi.SetState(StateTarget); err != nil {
		return err
	}
	if err := tran1.Commit(StateTarget); err != nil {
		return err
	}
	monitoringKept = true
	logger.Info(pn + " succeeded")
	return nil
}
