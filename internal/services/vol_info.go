package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/walb-tools/go-walb/internal/interfaces"
	"github.com/walb-tools/go-walb/internal/types"
)

// File names inside a volume directory.
const (
	stateFile    = "state"
	wdevPathFile = "wdev_path"
	uuidFile     = "uuid"
	progressFile = "progress"
)

// progressRecord is the persisted gid/lsid progress of a volume.
type progressRecord struct {
	// Done is the durable transfer boundary: everything below Done.Lsid has
	// been shipped and acknowledged.
	Done types.MetaLsidGid `json:"done"`

	// LatestGid is the highest gid ever assigned for the volume.
	LatestGid uint64 `json:"latestGid"`

	// Pending holds snapshot boundaries not yet reached by transfers, in
	// increasing lsid (and gid) order.
	Pending []types.MetaLsidGid `json:"pending"`
}

// VolInfo owns the persisted state directory of one volume. Every mutation
// is written tmp+rename so crash recovery always sees a complete file.
type VolInfo struct {
	baseDir string
	volID   string
}

// NewVolInfo binds to baseDir/volID without touching the filesystem.
func NewVolInfo(baseDir, volID string) *VolInfo {
	return &VolInfo{baseDir: baseDir, volID: volID}
}

// Dir returns the volume directory.
func (vi *VolInfo) Dir() string {
	return filepath.Join(vi.baseDir, vi.volID)
}

// Exists reports whether the volume directory exists.
func (vi *VolInfo) Exists() bool {
	st, err := os.Stat(vi.Dir())
	return err == nil && st.IsDir()
}

// Init creates the volume directory with its initial state.
func (vi *VolInfo) Init(wdevPath string, id uuid.UUID) error {
	if err := os.MkdirAll(vi.Dir(), 0755); err != nil {
		return fmt.Errorf("failed to create volume dir: %w", err)
	}
	if err := vi.writeFile(wdevPathFile, wdevPath); err != nil {
		return err
	}
	if err := vi.writeFile(uuidFile, id.String()); err != nil {
		return err
	}
	if err := vi.SetState(StateSyncReady); err != nil {
		return err
	}
	return vi.saveProgress(&progressRecord{})
}

// Clear removes the volume directory.
func (vi *VolInfo) Clear() error {
	if err := os.RemoveAll(vi.Dir()); err != nil {
		return fmt.Errorf("failed to remove volume dir: %w", err)
	}
	return nil
}

// writeFile writes content atomically via a temp file and rename.
func (vi *VolInfo) writeFile(name, content string) error {
	path := filepath.Join(vi.Dir(), name)
	tmp, err := os.CreateTemp(vi.Dir(), name+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", name, err)
	}
	return nil
}

func (vi *VolInfo) readFile(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(vi.Dir(), name))
	if err != nil {
		return "", fmt.Errorf("failed to read %s of %s: %w", name, vi.volID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetState persists the steady state of the volume.
func (vi *VolInfo) SetState(state string) error {
	return vi.writeFile(stateFile, state)
}

// GetState returns the persisted steady state.
func (vi *VolInfo) GetState() (string, error) {
	return vi.readFile(stateFile)
}

// WdevPath returns the walb device path.
func (vi *VolInfo) WdevPath() (string, error) {
	return vi.readFile(wdevPathFile)
}

// UUID returns the volume uuid.
func (vi *VolInfo) UUID() (uuid.UUID, error) {
	s, err := vi.readFile(uuidFile)
	if err != nil {
		return uuid.UUID{}, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("bad uuid file of %s: %w", vi.volID, err)
	}
	return id, nil
}

func (vi *VolInfo) loadProgress() (*progressRecord, error) {
	data, err := os.ReadFile(filepath.Join(vi.Dir(), progressFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read progress of %s: %w", vi.volID, err)
	}
	p := &progressRecord{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("corrupt progress file of %s: %w", vi.volID, err)
	}
	return p, nil
}

func (vi *VolInfo) saveProgress(p *progressRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress of %s: %w", vi.volID, err)
	}
	return vi.writeFile(progressFile, string(data))
}

// ResetWlog restarts progress at gid, discarding pending boundaries. Used by
// reset-vol and by backup establishment.
func (vi *VolInfo) ResetWlog(gid uint64, lsid uint64) error {
	p := &progressRecord{
		Done:      types.MetaLsidGid{Lsid: lsid, Gid: gid, Timestamp: time.Now().UTC()},
		LatestGid: gid,
	}
	return vi.saveProgress(p)
}

// SendLsid returns the durable transfer boundary.
func (vi *VolInfo) SendLsid() (uint64, error) {
	p, err := vi.loadProgress()
	if err != nil {
		return 0, err
	}
	return p.Done.Lsid, nil
}

// GidRange returns the oldest and latest gids of the volume.
func (vi *VolInfo) GidRange() (oldest, latest uint64, err error) {
	p, err := vi.loadProgress()
	if err != nil {
		return 0, 0, err
	}
	return p.Done.Gid, p.LatestGid, nil
}

// TakeSnapshot assigns a fresh gid bound to latestLsid and queues it as a
// transfer boundary.
func (vi *VolInfo) TakeSnapshot(latestLsid uint64) (uint64, error) {
	p, err := vi.loadProgress()
	if err != nil {
		return 0, err
	}
	if n := len(p.Pending); n > 0 && p.Pending[n-1].Lsid > latestLsid {
		return 0, fmt.Errorf("snapshot lsid %d below pending boundary %d: %w",
			latestLsid, p.Pending[n-1].Lsid, types.ErrStateViolation)
	}
	p.LatestGid++
	rec := types.MetaLsidGid{Lsid: latestLsid, Gid: p.LatestGid, Timestamp: time.Now().UTC()}
	p.Pending = append(p.Pending, rec)
	if err := vi.saveProgress(p); err != nil {
		return 0, err
	}
	return rec.Gid, nil
}

// PrepareWlogTransfer computes the round's boundaries: rec0 is the durable
// send position, rec1 the target. The target is the first pending snapshot
// boundary within reach, otherwise a synthetic boundary at
// min(permanentLsid, rec0.lsid+maxWlogSendPb).
func (vi *VolInfo) PrepareWlogTransfer(permanentLsid, maxWlogSendPb uint64) (rec0, rec1 types.MetaLsidGid, lsidLimit uint64, err error) {
	p, err := vi.loadProgress()
	if err != nil {
		return rec0, rec1, 0, err
	}
	rec0 = p.Done

	target := permanentLsid
	if max := rec0.Lsid + maxWlogSendPb; target > max {
		target = max
	}
	if len(p.Pending) > 0 {
		pend := p.Pending[0]
		if pend.Lsid <= target {
			// A boundary at or below the send position yields an empty
			// transfer that just advances the gid.
			if pend.Lsid < rec0.Lsid {
				pend.Lsid = rec0.Lsid
			}
			return rec0, pend, pend.Lsid, nil
		}
	}
	p.LatestGid++
	rec1 = types.MetaLsidGid{Lsid: target, Gid: p.LatestGid, Timestamp: time.Now().UTC()}
	if err := vi.saveProgress(p); err != nil {
		return rec0, rec1, 0, err
	}
	return rec0, rec1, target, nil
}

// TransferDiff names the diff covering [rec0.lsid, lsidE). A round that
// stopped short of rec1 produces a dirty snapE expressing partial progress
// toward rec1's gid.
func (vi *VolInfo) TransferDiff(rec0, rec1 types.MetaLsidGid, lsidE uint64) types.MetaDiff {
	d := types.MetaDiff{
		SnapB:       types.NewMetaSnap(rec0.Gid),
		IsMergeable: true,
		Timestamp:   time.Now().UTC(),
	}
	if lsidE >= rec1.Lsid {
		d.SnapE = types.NewMetaSnap(rec1.Gid)
	} else {
		d.SnapE = types.MetaSnap{GidB: rec0.Gid, GidE: rec1.Gid}
	}
	return d
}

// FinishWlogTransfer persists the new durable boundary after an ack and
// reports whether transferable work remains below permanentLsid.
func (vi *VolInfo) FinishWlogTransfer(rec0, rec1 types.MetaLsidGid, lsidE, permanentLsid uint64) (bool, error) {
	p, err := vi.loadProgress()
	if err != nil {
		return false, err
	}
	if lsidE >= rec1.Lsid {
		p.Done = rec1
		p.Done.Lsid = lsidE
		if len(p.Pending) > 0 && p.Pending[0].Gid == rec1.Gid {
			p.Pending = p.Pending[1:]
		}
	} else {
		p.Done = types.MetaLsidGid{Lsid: lsidE, Gid: rec0.Gid, Timestamp: time.Now().UTC()}
	}
	if err := vi.saveProgress(p); err != nil {
		return false, err
	}
	return permanentLsid > p.Done.Lsid || len(p.Pending) > 0, nil
}

// IsRequiredWlogTransfer reports whether a transfer round would make
// progress.
func (vi *VolInfo) IsRequiredWlogTransfer(permanentLsid uint64) (bool, error) {
	p, err := vi.loadProgress()
	if err != nil {
		return false, err
	}
	return permanentLsid > p.Done.Lsid || len(p.Pending) > 0, nil
}

// IsRequiredWlogTransferLater reports whether the kernel has accepted log
// that is not durable yet (permanent < latest). A round that drained up to
// permanent still needs a follow-up once that log is flushed.
func (vi *VolInfo) IsRequiredWlogTransferLater(dev interfaces.WdevController) (bool, error) {
	permanent, err := dev.PermanentLsid()
	if err != nil {
		return false, err
	}
	latest, err := dev.LatestLsid()
	if err != nil {
		return false, err
	}
	return latest > permanent, nil
}

// DumpLogpackHeader saves a raw logpack header block for offline analysis.
func (vi *VolInfo) DumpLogpackHeader(lsid uint64, raw []byte) error {
	name := fmt.Sprintf("logpackheader-%d", lsid)
	return vi.writeFile(name, string(raw))
}
