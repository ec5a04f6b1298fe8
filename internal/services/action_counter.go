package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/walb-tools/go-walb/internal/types"
)

// Action names counted per volume.
const (
	ActionWlogSend   = "WlogSend"
	ActionWlogRemove = "WlogRemove"
)

// AllActions lists every counted action.
var AllActions = []string{ActionWlogSend, ActionWlogRemove}

// ActionCounters tracks in-flight named actions of one volume. Transitions
// that need quiescence wait until every counter is zero.
type ActionCounters struct {
	mu   sync.Mutex
	cond *sync.Cond
	m    map[string]int
}

// NewActionCounters returns empty counters.
func NewActionCounters() *ActionCounters {
	ac := &ActionCounters{m: make(map[string]int)}
	ac.cond = sync.NewCond(&ac.mu)
	return ac
}

// Add increments the counter for name.
func (ac *ActionCounters) Add(name string) {
	ac.mu.Lock()
	ac.m[name]++
	ac.mu.Unlock()
}

// Del decrements the counter for name and wakes waiters.
func (ac *ActionCounters) Del(name string) {
	ac.mu.Lock()
	ac.m[name]--
	if ac.m[name] < 0 {
		panic(fmt.Sprintf("action counter %s went negative", name))
	}
	ac.cond.Broadcast()
	ac.mu.Unlock()
}

// Get returns the counter for name.
func (ac *ActionCounters) Get(name string) int {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.m[name]
}

// IsAllZero reports whether every named counter is zero.
func (ac *ActionCounters) IsAllZero(names []string) bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.isAllZeroLocked(names)
}

func (ac *ActionCounters) isAllZeroLocked(names []string) bool {
	for _, n := range names {
		if ac.m[n] != 0 {
			return false
		}
	}
	return true
}

// WaitAllZero blocks until every named counter is zero or the timeout
// expires.
func (ac *ActionCounters) WaitAllZero(names []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		ac.mu.Lock()
		ac.cond.Broadcast()
		ac.mu.Unlock()
	})
	defer timer.Stop()

	ac.mu.Lock()
	defer ac.mu.Unlock()
	for !ac.isAllZeroLocked(names) {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for actions %v to finish", names)
		}
		ac.cond.Wait()
	}
	return nil
}

// VerifyNoActionRunning fails when any of the named actions is in flight.
func VerifyNoActionRunning(ac *ActionCounters, names []string, msg string) error {
	for _, n := range names {
		if c := ac.Get(n); c != 0 {
			return fmt.Errorf("%s: action %s is running (%d): %w", msg, n, c, types.ErrStateViolation)
		}
	}
	return nil
}

// ActionTransaction scopes one in-flight action.
type ActionTransaction struct {
	ac   *ActionCounters
	name string
	done bool
}

// NewActionTransaction increments the counter for name.
func NewActionTransaction(ac *ActionCounters, name string) *ActionTransaction {
	ac.Add(name)
	return &ActionTransaction{ac: ac, name: name}
}

// End decrements the counter. Safe to defer and call once.
func (t *ActionTransaction) End() {
	if !t.done {
		t.ac.Del(t.name)
		t.done = true
	}
}
