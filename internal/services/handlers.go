package services

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/types"
)

// InitVol creates a volume bound to wdevPath: Clear -> SyncReady.
func InitVol(sc *StorageContext, volID, wdevPath string) error {
	volSt := sc.VolState(volID)
	volSt.Mu.Lock()
	defer volSt.Mu.Unlock()

	tran, err := NewTransaction(volSt.SM, StateClear, PStateInitVol)
	if err != nil {
		return err
	}
	defer tran.Rollback()

	if sc.WdevFactory == nil {
		return fmt.Errorf("no wdev factory configured")
	}
	dev, err := sc.WdevFactory(wdevPath)
	if err != nil {
		return err
	}
	if err := sc.RegisterWdev(volID, dev); err != nil {
		return err
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	if err := vi.Init(wdevPath, uuid.New()); err != nil {
		sc.UnregisterWdev(volID)
		return err
	}
	if err := tran.Commit(StateSyncReady); err != nil {
		return err
	}
	log.WithField("vol", volID).WithField("wdev", wdevPath).Info("init-vol succeeded")
	return nil
}

// ClearVol destroys a volume: SyncReady -> Clear.
func ClearVol(sc *StorageContext, volID string) error {
	volSt := sc.VolState(volID)
	volSt.Mu.Lock()
	defer volSt.Mu.Unlock()

	tran, err := NewTransaction(volSt.SM, StateSyncReady, PStateClearVol)
	if err != nil {
		return err
	}
	defer tran.Rollback()

	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	if err := vi.Clear(); err != nil {
		return err
	}
	sc.UnregisterWdev(volID)
	if err := tran.Commit(StateClear); err != nil {
		return err
	}
	log.WithField("vol", volID).Info("clear-vol succeeded")
	return nil
}

// StartVol starts a volume as target (Stopped -> Target) or standby
// (SyncReady -> Standby).
func StartVol(sc *StorageContext, volID string, isTarget bool) error {
	const msg = "start"
	volSt := sc.VolState(volID)
	volSt.Mu.Lock()
	defer volSt.Mu.Unlock()
	if err := VerifyNotStopping(&volSt.StopState, volID, msg); err != nil {
		return err
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	dev, err := sc.Wdev(volID)
	if err != nil {
		return err
	}
	overflow, err := dev.IsOverflow()
	if err != nil {
		return err
	}

	if isTarget {
		if overflow {
			return fmt.Errorf("%s: %s: %w", msg, volID, types.ErrOverflow)
		}
		tran, err := NewTransaction(volSt.SM, StateStopped, PStateStartTarget)
		if err != nil {
			return err
		}
		defer tran.Rollback()
		sc.StartMonitoring(volID)
		if err := vi.SetState(StateTarget); err != nil {
			return err
		}
		if err := tran.Commit(StateTarget); err != nil {
			return err
		}
	} else {
		tran, err := NewTransaction(volSt.SM, StateSyncReady, PStateStartStandby)
		if err != nil {
			return err
		}
		defer tran.Rollback()
		if overflow {
			latest, err := dev.LatestLsid()
			if err != nil {
				return err
			}
			if err := dev.ResetWal(); err != nil {
				return err
			}
			if err := vi.ResetWlog(0, latest); err != nil {
				return err
			}
		}
		sc.StartMonitoring(volID)
		if err := vi.SetState(StateStandby); err != nil {
			return err
		}
		if err := tran.Commit(StateStandby); err != nil {
			return err
		}
	}
	log.WithField("vol", volID).Info("start succeeded")
	return nil
}

// StopVol stops a volume: Target -> Stopped or Standby -> SyncReady. It
// waits for in-flight actions to drain; force aborts them at the next
// checkpoint.
func StopVol(sc *StorageContext, volID string, force bool) error {
	const msg = "stop"
	volSt := sc.VolState(volID)

	target := Stopping
	if force {
		target = ForceStopping
	}
	stopper, ok := NewStopper(&volSt.StopState, target)
	if !ok {
		return fmt.Errorf("%s: %s already under stopping: %w", msg, volID, types.ErrStateViolation)
	}
	defer stopper.Release()

	// Wait until in-flight work drains: force stop aborts it at the next
	// checkpoint, plain stop lets it reach a safe boundary.
	deadline := time.Now().Add(5 * time.Minute)
	for {
		if volSt.AC.IsAllZero(AllActions) && IsStateIn(volSt.SM.Get(), SteadyStates) {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: %s did not quiesce", msg, volID)
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := volSt.SM.Get()
	if st == StateSyncReady || st == StateStopped {
		// A force-stopped sync already landed the volume here.
		log.WithField("vol", volID).Info("stop: volume already quiescent")
		return nil
	}
	if err := VerifyStateIn(st, []string{StateTarget, StateStandby}, msg); err != nil {
		return err
	}

	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	var tran *Transaction
	var err error
	var to string
	if st == StateTarget {
		tran, err = NewTransaction(volSt.SM, StateTarget, PStateStopTarget)
		to = StateStopped
	} else {
		tran, err = NewTransaction(volSt.SM, StateStandby, PStateStopStandby)
		to = StateSyncReady
	}
	if err != nil {
		return err
	}
	defer tran.Rollback()

	sc.StopMonitoring(volID)
	if err := vi.SetState(to); err != nil {
		return err
	}
	if err := tran.Commit(to); err != nil {
		return err
	}
	log.WithField("vol", volID).Info("stop succeeded")
	return nil
}

// Snapshot takes a new gid boundary and kicks the transfer.
func Snapshot(sc *StorageContext, volID string) (uint64, error) {
	const msg = "snapshot"
	volSt := sc.VolState(volID)
	volSt.Mu.Lock()
	defer volSt.Mu.Unlock()

	st := volSt.SM.Get()
	if err := VerifyStateIn(st, []string{StateTarget}, msg); err != nil {
		return 0, err
	}
	if err := VerifyNotStopping(&volSt.StopState, volID, msg); err != nil {
		return 0, err
	}
	dev, err := sc.Wdev(volID)
	if err != nil {
		return 0, err
	}
	latest, err := dev.LatestLsid()
	if err != nil {
		return 0, err
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	gid, err := vi.TakeSnapshot(latest)
	if err != nil {
		return 0, err
	}
	sc.PushTaskForce(volID, 0)
	log.WithField("vol", volID).WithField("gid", gid).Info("snapshot succeeded")
	return gid, nil
}

// ResetVol clears the volume's wlog progress after an overflow:
// Stopped -> SyncReady (also legal from SyncReady).
func ResetVol(sc *StorageContext, volID string, gid uint64) error {
	volSt := sc.VolState(volID)
	volSt.Mu.Lock()
	defer volSt.Mu.Unlock()
	if err := VerifyNotStopping(&volSt.StopState, volID, "reset"); err != nil {
		return err
	}

	from := volSt.SM.Get()
	if err := VerifyStateIn(from, []string{StateStopped, StateSyncReady}, "reset"); err != nil {
		return err
	}
	tran, err := NewTransaction(volSt.SM, from, PStateReset)
	if err != nil {
		return err
	}
	defer tran.Rollback()

	dev, err := sc.Wdev(volID)
	if err != nil {
		return err
	}
	latest, err := dev.LatestLsid()
	if err != nil {
		return err
	}
	if err := dev.ResetWal(); err != nil {
		return err
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	if err := vi.ResetWlog(gid, latest); err != nil {
		return err
	}
	if err := vi.SetState(StateSyncReady); err != nil {
		return err
	}
	if err := tran.Commit(StateSyncReady); err != nil {
		return err
	}
	log.WithField("vol", volID).WithField("gid", gid).Info("reset succeeded")
	return nil
}

// ResizeVol grows the walb device. Underlying devices must be resized first.
func ResizeVol(sc *StorageContext, volID string, newSizeLb uint64) error {
	volSt := sc.VolState(volID)
	volSt.Mu.Lock()
	defer volSt.Mu.Unlock()
	if err := VerifyNotStopping(&volSt.StopState, volID, "resize"); err != nil {
		return err
	}
	st := volSt.SM.Get()
	if err := VerifyStateIn(st, []string{StateSyncReady, StateStopped, StateTarget, StateStandby}, "resize"); err != nil {
		return err
	}
	dev, err := sc.Wdev(volID)
	if err != nil {
		return err
	}
	if err := dev.Grow(newSizeLb); err != nil {
		return err
	}
	log.WithField("vol", volID).WithField("sizeLb", newSizeLb).Info("resize succeeded")
	return nil
}

// Kick re-probes all proxies and fast-forwards delayed tasks.
func Kick(sc *StorageContext) int {
	sc.ProxyManager.Kick()
	n := 0
	for volID, delay := range sc.TaskQueue.All() {
		if delay > 0 {
			sc.PushTaskForce(volID, 0)
			n++
		}
	}
	log.WithField("count", n).Info("kick")
	return n
}

// IsOverflow reports the overflow flag of a volume's device.
func IsOverflow(sc *StorageContext, volID string) (bool, error) {
	if volSt := sc.VolState(volID); volSt.SM.Get() == StateClear {
		return false, fmt.Errorf("is-overflow: %s: %w", volID, types.ErrStateViolation)
	}
	dev, err := sc.Wdev(volID)
	if err != nil {
		return false, err
	}
	return dev.IsOverflow()
}

// VolUUID returns the volume uuid.
func VolUUID(sc *StorageContext, volID string) (uuid.UUID, error) {
	if volSt := sc.VolState(volID); volSt.SM.Get() == StateClear {
		return uuid.UUID{}, fmt.Errorf("uuid: %s: %w", volID, types.ErrStateViolation)
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	return vi.UUID()
}

// VolList returns the volume directories under the base dir.
func VolList(sc *StorageContext) ([]string, error) {
	entries, err := os.ReadDir(sc.Cfg.BaseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list base dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// StatusAll renders the global status sections.
func StatusAll(sc *StorageContext) []string {
	v := []string{
		"-----StorageGlobal-----",
		fmt.Sprintf("nodeId %s", sc.Cfg.NodeID),
		fmt.Sprintf("baseDir %s", sc.Cfg.BaseDir),
		fmt.Sprintf("maxWlogSendMb %d", sc.Cfg.MaxWlogSendMb),
		fmt.Sprintf("delaySecForRetry %d", sc.Cfg.DelaySecForRetry),
		fmt.Sprintf("maxForegroundTasks %d", sc.Cfg.MaxForegroundTasks),
		fmt.Sprintf("socketTimeout %s", sc.Cfg.SocketTimeout),
		"-----Archive-----",
		fmt.Sprintf("host %s", sc.Cfg.ArchiveAddr),
		"-----Proxy-----",
	}
	v = append(v, sc.ProxyManager.Status()...)
	v = append(v, "-----TaskQueue-----")
	for volID, delay := range sc.TaskQueue.All() {
		v = append(v, fmt.Sprintf("volume %s timeDiffMs %d", volID, delay.Milliseconds()))
	}
	v = append(v, "-----Volume-----")
	for _, volID := range sc.VolIDs() {
		volSt := sc.VolState(volID)
		st := volSt.SM.Get()
		if st == StateClear {
			continue
		}
		line := fmt.Sprintf("volume %s state %s", volID, st)
		if dev, err := sc.Wdev(volID); err == nil {
			usage, _ := dev.LogUsagePb()
			capa, _ := dev.LogCapacityPb()
			line += fmt.Sprintf(" logUsagePb %d logCapacityPb %d", usage, capa)
		}
		if vi := NewVolInfo(sc.Cfg.BaseDir, volID); vi.Exists() {
			if oldest, latest, err := vi.GidRange(); err == nil {
				line += fmt.Sprintf(" oldestGid %d latestGid %d", oldest, latest)
			}
		}
		v = append(v, line)
	}
	return v
}

// StatusVol renders the status of one volume.
func StatusVol(sc *StorageContext, volID string) []string {
	volSt := sc.VolState(volID)
	st := volSt.SM.Get()
	v := []string{
		"hostType storage",
		fmt.Sprintf("volId %s", volID),
		fmt.Sprintf("state %s", st),
	}
	if st == StateClear {
		return v
	}
	var actions []string
	for _, a := range AllActions {
		actions = append(actions, fmt.Sprintf("%s %d", a, volSt.AC.Get(a)))
	}
	v = append(v, "action "+strings.Join(actions, " "))
	v = append(v, fmt.Sprintf("stopState %s", StopStateName(volSt.StopState.Load())))
	v = append(v, fmt.Sprintf("isUnderMonitoring %t", sc.IsMonitored(volID)))

	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	if wdevPath, err := vi.WdevPath(); err == nil {
		v = append(v, fmt.Sprintf("wdevPath %s", wdevPath))
	}
	if sendLsid, err := vi.SendLsid(); err == nil {
		v = append(v, fmt.Sprintf("sendLsid %d", sendLsid))
	}
	if oldest, latest, err := vi.GidRange(); err == nil {
		v = append(v, fmt.Sprintf("oldestGid %d latestGid %d", oldest, latest))
	}
	return v
}

// DumpLogpackHeaderCmd reads the raw logpack header at lsid and saves it in
// the volume directory.
func DumpLogpackHeaderCmd(sc *StorageContext, volID string, lsid uint64) error {
	if volSt := sc.VolState(volID); volSt.SM.Get() == StateClear {
		return fmt.Errorf("dump-logpack-header: %s not found: %w", volID, types.ErrStateViolation)
	}
	dev, err := sc.Wdev(volID)
	if err != nil {
		return err
	}
	raw, err := readRawLogpackHeader(dev.LogDevPath(), lsid)
	if err != nil {
		return err
	}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	return vi.DumpLogpackHeader(lsid, raw)
}

// ExecCmd runs argv on this host and returns its combined output. Gated by
// the allow-exec config flag.
func ExecCmd(sc *StorageContext, argv []string) (string, error) {
	if !sc.Cfg.AllowExec {
		return "", fmt.Errorf("exec is disabled")
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("exec requires a command")
	}
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("exec failed: %w", err)
	}
	return string(out), nil
}

// Pid returns the daemon pid as a string.
func Pid() string {
	return strconv.Itoa(os.Getpid())
}
