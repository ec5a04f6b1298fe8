package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SysfsWdev drives a walb device through the attribute files the kernel
// module publishes. Attribute names follow the module's walb/ directory.
type SysfsWdev struct {
	name     string
	sysfsDir string
	wldev    string
}

// NewSysfsWdev binds to the device name under sysfsDir.
func NewSysfsWdev(name, sysfsDir, wldevPath string) *SysfsWdev {
	return &SysfsWdev{name: name, sysfsDir: sysfsDir, wldev: wldevPath}
}

func (d *SysfsWdev) attrPath(attr string) string {
	return filepath.Join(d.sysfsDir, d.name, "walb", attr)
}

func (d *SysfsWdev) readU64(attr string) (uint64, error) {
	data, err := os.ReadFile(d.attrPath(attr))
	if err != nil {
		return 0, fmt.Errorf("failed to read wdev attribute %s: %w", attr, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad wdev attribute %s: %w", attr, err)
	}
	return v, nil
}

func (d *SysfsWdev) writeU64(attr string, v uint64) error {
	if err := os.WriteFile(d.attrPath(attr), []byte(strconv.FormatUint(v, 10)), 0644); err != nil {
		return fmt.Errorf("failed to write wdev attribute %s: %w", attr, err)
	}
	return nil
}

func (d *SysfsWdev) Name() string       { return d.name }
func (d *SysfsWdev) LogDevPath() string { return d.wldev }

func (d *SysfsWdev) SizeLb() (uint64, error)        { return d.readU64("size_lb") }
func (d *SysfsWdev) OldestLsid() (uint64, error)    { return d.readU64("lsids/oldest") }
func (d *SysfsWdev) WrittenLsid() (uint64, error)   { return d.readU64("lsids/written") }
func (d *SysfsWdev) PermanentLsid() (uint64, error) { return d.readU64("lsids/permanent") }
func (d *SysfsWdev) LatestLsid() (uint64, error)    { return d.readU64("lsids/latest") }
func (d *SysfsWdev) LogUsagePb() (uint64, error)    { return d.readU64("log_usage") }
func (d *SysfsWdev) LogCapacityPb() (uint64, error) { return d.readU64("log_capacity") }

func (d *SysfsWdev) IsOverflow() (bool, error) {
	v, err := d.readU64("is_overflow")
	return v != 0, err
}

func (d *SysfsWdev) EraseWal(lsidE uint64) (uint64, error) {
	if err := d.writeU64("lsids/oldest", lsidE); err != nil {
		return 0, err
	}
	return d.LogUsagePb()
}

func (d *SysfsWdev) WaitForWrittenAndFlushed(lsid uint64) error {
	for {
		p, err := d.PermanentLsid()
		if err != nil {
			return err
		}
		if p >= lsid {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (d *SysfsWdev) Grow(newSizeLb uint64) error {
	return d.writeU64("size_lb", newSizeLb)
}

func (d *SysfsWdev) ResetWal() error {
	latest, err := d.LatestLsid()
	if err != nil {
		return err
	}
	return d.writeU64("lsids/oldest", latest)
}

// MemWdev is an in-process walb device used by tests and the simulator. Its
// log device is a regular file laid out like the kernel lays out a real one.
type MemWdev struct {
	mu sync.Mutex

	name      string
	wldevPath string
	sizeLb    uint64

	oldest    uint64
	written   uint64
	permanent uint64
	latest    uint64
	overflow  bool
	capacity  uint64 // ring buffer size [physical block]
}

// NewMemWdev returns a fake device whose log ring holds capacityPb blocks.
func NewMemWdev(name, wldevPath string, sizeLb, capacityPb uint64) *MemWdev {
	return &MemWdev{name: name, wldevPath: wldevPath, sizeLb: sizeLb, capacity: capacityPb}
}

func (d *MemWdev) Name() string       { return d.name }
func (d *MemWdev) LogDevPath() string { return d.wldevPath }

func (d *MemWdev) SizeLb() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sizeLb, nil
}

func (d *MemWdev) OldestLsid() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.oldest, nil
}

func (d *MemWdev) WrittenLsid() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written, nil
}

func (d *MemWdev) PermanentLsid() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permanent, nil
}

func (d *MemWdev) LatestLsid() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest, nil
}

func (d *MemWdev) IsOverflow() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflow, nil
}

func (d *MemWdev) LogUsagePb() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest - d.oldest, nil
}

func (d *MemWdev) LogCapacityPb() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity, nil
}

func (d *MemWdev) EraseWal(lsidE uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsidE > d.oldest && lsidE <= d.permanent {
		d.oldest = lsidE
	}
	return d.latest - d.oldest, nil
}

func (d *MemWdev) WaitForWrittenAndFlushed(lsid uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permanent < lsid {
		return fmt.Errorf("permanent lsid %d below %d on fake device", d.permanent, lsid)
	}
	return nil
}

func (d *MemWdev) Grow(newSizeLb uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if newSizeLb < d.sizeLb {
		return fmt.Errorf("shrink from %d to %d not supported", d.sizeLb, newSizeLb)
	}
	d.sizeLb = newSizeLb
	return nil
}

func (d *MemWdev) ResetWal() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.oldest = d.latest
	d.written = d.latest
	d.permanent = d.latest
	d.overflow = false
	return nil
}

// AdvanceLog marks lsids up to lsid as accepted and durable, as the kernel
// would after flushing writes. Overflow is flagged when the unreclaimed span
// exceeds the ring capacity.
func (d *MemWdev) AdvanceLog(lsid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsid > d.latest {
		d.latest = lsid
	}
	d.written = d.latest
	d.permanent = d.latest
	if d.latest-d.oldest > d.capacity {
		d.overflow = true
	}
}

// AdvanceLatest accepts log up to lsid without making it durable, as the
// kernel does before its flush completes.
func (d *MemWdev) AdvanceLatest(lsid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lsid > d.latest {
		d.latest = lsid
	}
	if d.latest-d.oldest > d.capacity {
		d.overflow = true
	}
}

// SetOverflow forces the overflow flag, for tests.
func (d *MemWdev) SetOverflow(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overflow = v
}
