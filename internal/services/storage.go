package services

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/walb-tools/go-walb/internal/interfaces"
	"github.com/walb-tools/go-walb/internal/types"
)

// Config carries the read-only daemon settings.
type Config struct {
	NodeID             string
	BaseDir            string
	ListenAddr         string
	ArchiveAddr        string
	ProxyAddrs         []string
	MaxWlogSendMb      uint64
	DelaySecForRetry   int
	MaxForegroundTasks int
	SocketTimeout      time.Duration
	KeepAlive          KeepAliveConfig
	CmprType           uint8
	AllowExec          bool
}

// KeepAliveConfig mirrors the TCP keep-alive knobs.
type KeepAliveConfig struct {
	Enabled  bool
	IdleSec  int
	Interval int
	Count    int
}

// DefaultConfig fills the tunables the way the daemon ships.
func DefaultConfig() Config {
	return Config{
		MaxWlogSendMb:      128,
		DelaySecForRetry:   20,
		MaxForegroundTasks: 2,
		SocketTimeout:      10 * time.Second,
		CmprType:           types.CmprSnappy,
	}
}

// VolState is the live (non-persisted) state of one volume.
type VolState struct {
	Mu        sync.Mutex
	StopState atomic.Int32
	SM        *StateMachine
	AC        *ActionCounters
}

// StorageContext replaces the original global singleton: every handler and
// worker receives it explicitly.
type StorageContext struct {
	Cfg          Config
	TaskQueue    *TaskQueue
	ProxyManager *ProxyManager

	// WdevFactory builds the controller for a walb device path. The daemon
	// installs the sysfs implementation; tests install fakes.
	WdevFactory func(wdevPath string) (interfaces.WdevController, error)

	shutdown     atomic.Int32 // 0: running, 1: graceful, 2: force
	volMu        sync.Mutex
	vols         map[string]*VolState
	wdevMu       sync.Mutex
	wdevToVol    map[string]string
	devMu        sync.Mutex
	devs         map[string]interfaces.WdevController
	monitored    map[string]bool
	foregroundMu sync.Mutex
	foreground   int
}

// NewStorageContext builds the context and loads the state of every volume
// directory under BaseDir lazily on first access.
func NewStorageContext(cfg Config) *StorageContext {
	return &StorageContext{
		Cfg:          cfg,
		TaskQueue:    NewTaskQueue(),
		ProxyManager: NewProxyManager(cfg.NodeID, cfg.ProxyAddrs),
		vols:         make(map[string]*VolState),
		wdevToVol:    make(map[string]string),
		devs:         make(map[string]interfaces.WdevController),
		monitored:    make(map[string]bool),
	}
}

// Shutdown requests process shutdown.
func (sc *StorageContext) Shutdown(force bool) {
	if force {
		sc.shutdown.Store(2)
	} else {
		sc.shutdown.CompareAndSwap(0, 1)
	}
	sc.TaskQueue.Quit()
}

// IsShutdown reports a pending shutdown.
func (sc *StorageContext) IsShutdown() bool { return sc.shutdown.Load() != 0 }

// IsForceShutdown reports a pending force shutdown.
func (sc *StorageContext) IsForceShutdown() bool { return sc.shutdown.Load() == 2 }

// VolState returns (creating on first use) the live state of volID, loading
// the persisted steady state when the volume directory exists.
func (sc *StorageContext) VolState(volID string) *VolState {
	sc.volMu.Lock()
	defer sc.volMu.Unlock()
	if st, ok := sc.vols[volID]; ok {
		return st
	}
	st := &VolState{SM: NewStateMachine(), AC: NewActionCounters()}
	vi := NewVolInfo(sc.Cfg.BaseDir, volID)
	if vi.Exists() {
		if s, err := vi.GetState(); err == nil {
			st.SM.Set(s)
		} else {
			log.WithField("vol", volID).WithError(err).Error("failed to load volume state")
		}
	}
	sc.vols[volID] = st
	return st
}

// VolIDs returns every known volume id.
func (sc *StorageContext) VolIDs() []string {
	sc.volMu.Lock()
	defer sc.volMu.Unlock()
	out := make([]string, 0, len(sc.vols))
	for v := range sc.vols {
		out = append(out, v)
	}
	return out
}

// RegisterWdev binds a device controller to a volume. The wdev name must be
// unused.
func (sc *StorageContext) RegisterWdev(volID string, dev interfaces.WdevController) error {
	sc.wdevMu.Lock()
	defer sc.wdevMu.Unlock()
	if owner, ok := sc.wdevToVol[dev.Name()]; ok && owner != volID {
		return fmt.Errorf("wdev %s is already used by %s: %w", dev.Name(), owner, types.ErrStateViolation)
	}
	sc.wdevToVol[dev.Name()] = volID
	sc.devMu.Lock()
	sc.devs[volID] = dev
	sc.devMu.Unlock()
	return nil
}

// UnregisterWdev removes the binding of a volume's device.
func (sc *StorageContext) UnregisterWdev(volID string) {
	sc.devMu.Lock()
	dev, ok := sc.devs[volID]
	delete(sc.devs, volID)
	sc.devMu.Unlock()
	if !ok {
		return
	}
	sc.wdevMu.Lock()
	delete(sc.wdevToVol, dev.Name())
	sc.wdevMu.Unlock()
}

// Wdev returns the device controller of a volume.
func (sc *StorageContext) Wdev(volID string) (interfaces.WdevController, error) {
	sc.devMu.Lock()
	defer sc.devMu.Unlock()
	dev, ok := sc.devs[volID]
	if !ok {
		return nil, fmt.Errorf("no wdev registered for %s: %w", volID, types.ErrStateViolation)
	}
	return dev, nil
}

// VolIDOfWdev maps a wdev name back to its volume.
func (sc *StorageContext) VolIDOfWdev(wdevName string) (string, bool) {
	sc.wdevMu.Lock()
	defer sc.wdevMu.Unlock()
	v, ok := sc.wdevToVol[wdevName]
	return v, ok
}

// StartMonitoring enables wdev-monitor task generation for a volume and
// schedules an immediate round.
func (sc *StorageContext) StartMonitoring(volID string) {
	sc.devMu.Lock()
	sc.monitored[volID] = true
	sc.devMu.Unlock()
	sc.PushTask(volID, 0)
}

// StopMonitoring disables task generation and drops queued tasks.
func (sc *StorageContext) StopMonitoring(volID string) {
	sc.devMu.Lock()
	delete(sc.monitored, volID)
	sc.devMu.Unlock()
	sc.TaskQueue.Remove(func(v string) bool { return v == volID })
}

// IsMonitored reports whether the volume's wdev is watched.
func (sc *StorageContext) IsMonitored(volID string) bool {
	sc.devMu.Lock()
	defer sc.devMu.Unlock()
	return sc.monitored[volID]
}

// PushTask schedules a worker round, coalescing with pending entries.
func (sc *StorageContext) PushTask(volID string, delay time.Duration) {
	log.WithField("vol", volID).WithField("delay", delay).Debug("push task")
	sc.TaskQueue.Push(volID, delay)
}

// PushTaskForce schedules a worker round, overriding pending entries.
func (sc *StorageContext) PushTaskForce(volID string, delay time.Duration) {
	log.WithField("vol", volID).WithField("delay", delay).Debug("push task force")
	sc.TaskQueue.PushForce(volID, delay)
}

// EnterForeground claims a foreground task slot.
func (sc *StorageContext) EnterForeground() error {
	sc.foregroundMu.Lock()
	defer sc.foregroundMu.Unlock()
	if sc.foreground >= sc.Cfg.MaxForegroundTasks {
		return fmt.Errorf("max foreground tasks (%d) exceeded: %w",
			sc.Cfg.MaxForegroundTasks, types.ErrStateViolation)
	}
	sc.foreground++
	return nil
}

// LeaveForeground releases a foreground task slot.
func (sc *StorageContext) LeaveForeground() {
	sc.foregroundMu.Lock()
	sc.foreground--
	sc.foregroundMu.Unlock()
}

// MaxWlogSendPb converts the configured megabyte bound to physical blocks.
func (sc *StorageContext) MaxWlogSendPb(pbs uint32) uint64 {
	return sc.Cfg.MaxWlogSendMb * (1 << 20) / uint64(pbs)
}

// RetryDelay returns the re-schedule delay after a failed round.
func (sc *StorageContext) RetryDelay() time.Duration {
	return time.Duration(sc.Cfg.DelaySecForRetry) * time.Second
}
