package services

import (
	"time"

	"github.com/apex/log"

	"golang.org/x/sync/errgroup"
)

// StorageWorker runs one task-queue round for one volume: wlog-remove on
// Standby, wlog-transfer on Target, auto-stop on overflow.
type StorageWorker struct {
	SC    *StorageContext
	VolID string
}

// Run executes the round. Errors re-schedule the volume after the retry
// delay.
func (w *StorageWorker) Run() {
	sc, volID := w.SC, w.VolID
	logger := log.WithField("vol", volID)
	logger.Debug("storage worker start")

	volSt := sc.VolState(volID)
	if err := VerifyNotStopping(&volSt.StopState, volID, "storage worker"); err != nil {
		logger.WithError(err).Debug("skipped: stopping")
		return
	}
	st := volSt.SM.Get()
	switch st {
	case PStateStartStandby, PStateStartTarget:
		// Rare: the start transaction has not committed yet.
		sc.PushTask(volID, time.Second)
		return
	case StateTarget, StateStandby:
	default:
		logger.WithField("state", st).Debug("skipped: state accepts no wlog action")
		return
	}
	if err := VerifyNoActionRunning(volSt.AC, AllActions, "storage worker"); err != nil {
		logger.WithError(err).Debug("skipped: action running")
		return
	}

	dev, err := sc.Wdev(volID)
	if err != nil {
		logger.WithError(err).Error("no device bound")
		return
	}
	overflow, err := dev.IsOverflow()
	if err != nil {
		logger.WithError(err).Error("overflow check failed")
		sc.PushTaskForce(volID, sc.RetryDelay())
		return
	}
	if overflow {
		logger.Error("log device overflow")
		if st != StateTarget {
			return
		}
		// Auto-stop: Target -> Stopped. Operator reset required.
		tran, err := NewTransaction(volSt.SM, StateTarget, PStateStopTarget)
		if err != nil {
			logger.WithError(err).Error("overflow stop rejected")
			return
		}
		defer tran.Rollback()
		sc.StopMonitoring(volID)
		vi := NewVolInfo(sc.Cfg.BaseDir, volID)
		if err := vi.SetState(StateStopped); err != nil {
			logger.WithError(err).Error("overflow stop persist failed")
			return
		}
		tran.Commit(StateStopped)
		return
	}

	if st == StateStandby {
		tran := NewActionTransaction(volSt.AC, ActionWlogRemove)
		defer tran.End()
		if _, err := deleteWlogs(sc, volID, ^uint64(0)); err != nil {
			logger.WithError(err).Error("wlog-remove failed")
			sc.PushTaskForce(volID, sc.RetryDelay())
		}
		return
	}

	tran := NewActionTransaction(volSt.AC, ActionWlogSend)
	defer tran.End()
	isRemaining, err := extractAndSendAndDeleteWlog(sc, volID)
	if err != nil {
		logger.WithError(err).Error("wlog-transfer failed")
		sc.PushTaskForce(volID, sc.RetryDelay())
		return
	}
	// isRemaining covers durable log below the send boundary; log accepted
	// by the kernel but not yet durable needs the next round too.
	later := false
	if !isRemaining {
		vi := NewVolInfo(sc.Cfg.BaseDir, volID)
		later, err = vi.IsRequiredWlogTransferLater(dev)
		if err != nil {
			logger.WithError(err).Error("wlog-transfer-later check failed")
			sc.PushTaskForce(volID, sc.RetryDelay())
			return
		}
	}
	if isRemaining || later {
		sc.PushTask(volID, 0)
	}
}

// RunDispatcher pops due tasks and hands each to a StorageWorker on a pool
// of maxForegroundTasks goroutines. It returns when the queue quits.
func RunDispatcher(sc *StorageContext) {
	var g errgroup.Group
	g.SetLimit(sc.Cfg.MaxForegroundTasks)
	for {
		volID, ok := sc.TaskQueue.Pop()
		if !ok {
			break
		}
		g.Go(func() error {
			w := &StorageWorker{SC: sc, VolID: volID}
			w.Run()
			return nil
		})
	}
	g.Wait()
}

// RunWdevMonitor polls the registered devices and schedules a transfer round
// whenever durable log grows past the send boundary. Rounds are delayed so
// wlogs transfer in bulk.
func RunWdevMonitor(sc *StorageContext, interval time.Duration) {
	const bulkDelay = time.Second
	for !sc.IsShutdown() {
		for _, volID := range sc.VolIDs() {
			if !sc.IsMonitored(volID) {
				continue
			}
			dev, err := sc.Wdev(volID)
			if err != nil {
				continue
			}
			permanent, err := dev.PermanentLsid()
			if err != nil {
				log.WithField("vol", volID).WithError(err).Error("wdev monitor poll failed")
				continue
			}
			vi := NewVolInfo(sc.Cfg.BaseDir, volID)
			required, err := vi.IsRequiredWlogTransfer(permanent)
			if err != nil {
				log.WithField("vol", volID).WithError(err).Error("wdev monitor progress read failed")
				continue
			}
			if required {
				sc.PushTask(volID, bulkDelay)
			}
		}
		time.Sleep(interval)
	}
}

// RunProxyMonitor drives the proxy heartbeat until shutdown.
func RunProxyMonitor(sc *StorageContext, interval time.Duration) {
	for !sc.IsShutdown() {
		sc.ProxyManager.TryCheckAvailability()
		time.Sleep(interval)
	}
}
