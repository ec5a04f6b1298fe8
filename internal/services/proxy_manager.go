package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/walb-tools/go-walb/internal/protocol"
)

// Proxy heartbeat tuning.
const (
	ProxyHeartbeatIntervalSec      = 60
	ProxyHeartbeatSocketTimeoutSec = 3
)

type proxyInfo struct {
	addr        string
	isAvailable bool
	checkedAt   time.Time
}

func (pi *proxyInfo) String() string {
	toNext := ProxyHeartbeatIntervalSec - int64(time.Since(pi.checkedAt).Seconds())
	avail := 0
	if pi.isAvailable {
		avail = 1
	}
	return fmt.Sprintf("host %s isAvailable %d timeToNextCheck %d", pi.addr, avail, toNext)
}

// ProxyManager tracks the reachability of the configured proxies. A monitor
// goroutine calls TryCheckAvailability periodically; the transfer engine
// consumes AvailableList.
type ProxyManager struct {
	mu       sync.Mutex
	proxies  []proxyInfo
	nodeID   string
	interval time.Duration
	timeout  time.Duration
}

// NewProxyManager seeds the list in configuration order. Every proxy starts
// available with a stale check time so the first heartbeat round probes all
// of them.
func NewProxyManager(nodeID string, addrs []string) *ProxyManager {
	pm := &ProxyManager{
		nodeID:   nodeID,
		interval: ProxyHeartbeatIntervalSec * time.Second,
		timeout:  ProxyHeartbeatSocketTimeoutSec * time.Second,
	}
	past := time.Now().Add(-pm.interval)
	for _, a := range addrs {
		pm.proxies = append(pm.proxies, proxyInfo{addr: a, isAvailable: true, checkedAt: past})
	}
	return pm
}

// AvailableList returns the available proxies in configuration order.
func (pm *ProxyManager) AvailableList() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var out []string
	for _, pi := range pm.proxies {
		if pi.isAvailable {
			out = append(out, pi.addr)
		}
	}
	return out
}

// Status renders one line per proxy for status output.
func (pm *ProxyManager) Status() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]string, 0, len(pm.proxies))
	for i := range pm.proxies {
		out = append(out, pm.proxies[i].String())
	}
	return out
}

// MarkUnavailable flags addr down immediately (after a failed transfer
// handshake) without waiting for the next heartbeat.
func (pm *ProxyManager) MarkUnavailable(addr string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := range pm.proxies {
		if pm.proxies[i].addr == addr {
			pm.proxies[i].isAvailable = false
			pm.proxies[i].checkedAt = time.Now()
		}
	}
}

// checkAvailability probes one proxy with a short-timeout get-host-type
// round-trip.
func (pm *ProxyManager) checkAvailability(addr string) proxyInfo {
	pi := proxyInfo{addr: addr, checkedAt: time.Now()}
	conn, err := protocol.ConnectWithTimeout(addr, pm.timeout)
	if err != nil {
		log.WithField("proxy", addr).WithError(err).Warn("proxy heartbeat connect failed")
		return pi
	}
	defer conn.Close()
	ht, err := protocol.RunGetHostTypeClient(conn, pm.nodeID)
	if err != nil {
		log.WithField("proxy", addr).WithError(err).Warn("proxy heartbeat failed")
		return pi
	}
	pi.isAvailable = ht == protocol.ProxyHT
	pi.checkedAt = time.Now()
	return pi
}

// TryCheckAvailability probes the proxy with the stalest check time older
// than the heartbeat interval, if any.
func (pm *ProxyManager) TryCheckAvailability() {
	var target string
	{
		pm.mu.Lock()
		minChecked := time.Now().Add(-pm.interval)
		idx := -1
		for i := range pm.proxies {
			if pm.proxies[i].checkedAt.Before(minChecked) {
				minChecked = pm.proxies[i].checkedAt
				idx = i
			}
		}
		if idx >= 0 {
			target = pm.proxies[idx].addr
		}
		pm.mu.Unlock()
	}
	if target == "" {
		return
	}
	pi := pm.checkAvailability(target)
	pm.mu.Lock()
	for i := range pm.proxies {
		if pm.proxies[i].addr == pi.addr {
			pm.proxies[i] = pi
		}
	}
	pm.mu.Unlock()
}

// Kick expires every check time so the monitor re-probes all proxies, and
// probes immediately when every proxy is currently down.
func (pm *ProxyManager) Kick() {
	allDown := true
	pm.mu.Lock()
	past := time.Now().Add(-pm.interval)
	for i := range pm.proxies {
		if pm.proxies[i].isAvailable {
			allDown = false
		}
		pm.proxies[i].checkedAt = past
	}
	pm.mu.Unlock()
	if allDown {
		pm.TryCheckAvailability()
	}
}
