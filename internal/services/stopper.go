package services

import (
	"fmt"
	"sync/atomic"

	"github.com/walb-tools/go-walb/internal/types"
)

// StopState values, orthogonal to the FSM. Long-running operations poll the
// state at every loop boundary.
const (
	NotStopping int32 = iota
	Stopping
	ForceStopping
)

// StopStateName renders a stop state for status output.
func StopStateName(s int32) string {
	switch s {
	case NotStopping:
		return "NotStopping"
	case Stopping:
		return "Stopping"
	case ForceStopping:
		return "ForceStopping"
	default:
		return "Unknown"
	}
}

// Stopper flips a volume's stop state for the duration of a stop request and
// restores NotStopping when released.
type Stopper struct {
	st      *atomic.Int32
	engaged bool
}

// NewStopper tries to move st from NotStopping to target. ok is false when a
// stop is already in progress.
func NewStopper(st *atomic.Int32, target int32) (*Stopper, bool) {
	if !st.CompareAndSwap(NotStopping, target) {
		// Upgrading Stopping to ForceStopping is allowed.
		if target == ForceStopping && st.CompareAndSwap(Stopping, ForceStopping) {
			return &Stopper{st: st, engaged: true}, true
		}
		return nil, false
	}
	return &Stopper{st: st, engaged: true}, true
}

// Release restores NotStopping.
func (s *Stopper) Release() {
	if s.engaged {
		s.st.Store(NotStopping)
		s.engaged = false
	}
}

// VerifyNotStopping fails when a stop is in progress for the volume.
func VerifyNotStopping(st *atomic.Int32, volID, msg string) error {
	if st.Load() != NotStopping {
		return fmt.Errorf("%s: %s is under stopping: %w", msg, volID, types.ErrStateViolation)
	}
	return nil
}
