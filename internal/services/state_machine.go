package services

import (
	"fmt"
	"sync"

	"github.com/walb-tools/go-walb/internal/types"
)

// Volume states.
const (
	StateClear     = "Clear"
	StateSyncReady = "SyncReady"
	StateStopped   = "Stopped"
	StateTarget    = "Target"
	StateStandby   = "Standby"
)

// Transition pseudo-states. A volume sits in one of these while an operation
// is in flight; the transaction guard commits to a steady state or rolls
// back.
const (
	PStateInitVol      = "InitVol"
	PStateClearVol     = "ClearVol"
	PStateFullSync     = "FullSync"
	PStateHashSync     = "HashSync"
	PStateStartTarget  = "StartTarget"
	PStateStopTarget   = "StopTarget"
	PStateStartStandby = "StartStandby"
	PStateStopStandby  = "StopStandby"
	PStateReset        = "Reset"
)

// SteadyStates are the resting states of a volume.
var SteadyStates = []string{StateClear, StateSyncReady, StateStopped, StateTarget, StateStandby}

type statePair struct{ from, to string }

// statePairTable enumerates every legal edge of the volume FSM.
var statePairTable = []statePair{
	{StateClear, PStateInitVol},
	{PStateInitVol, StateSyncReady},

	{StateSyncReady, PStateClearVol},
	{PStateClearVol, StateClear},

	{StateSyncReady, PStateStartStandby},
	{PStateStartStandby, StateStandby},

	{StateStandby, PStateStopStandby},
	{PStateStopStandby, StateSyncReady},

	{StateSyncReady, PStateFullSync},
	{PStateFullSync, StateStopped},
	{StateSyncReady, PStateHashSync},
	{PStateHashSync, StateStopped},
	{StateSyncReady, PStateReset},
	{PStateReset, StateSyncReady},

	{StateStopped, PStateReset},
	{StateStopped, PStateStartTarget},
	{PStateStartTarget, StateTarget},

	{StateTarget, PStateStopTarget},
	{PStateStopTarget, StateStopped},
}

// StateMachine tracks the state of one volume. It carries its own small
// mutex so state reads never nest inside the volume lock.
type StateMachine struct {
	mu    sync.Mutex
	state string
}

// NewStateMachine starts at StateClear.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateClear}
}

// Get returns the current state.
func (sm *StateMachine) Get() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Set forces the state, bypassing the edge table. Used at volume load.
func (sm *StateMachine) Set(state string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
}

func isLegalEdge(from, to string) bool {
	for _, p := range statePairTable {
		if p.from == from && p.to == to {
			return true
		}
	}
	return false
}

// Transaction holds a volume in a pseudo-state for the duration of an
// operation. Commit moves to the final state; Rollback (or an uncommitted
// guard at defer time) restores the original state.
type Transaction struct {
	sm        *StateMachine
	from      string
	pseudo    string
	committed bool
}

// NewTransaction verifies the volume is in from and moves it to pseudo.
func NewTransaction(sm *StateMachine, from, pseudo string) (*Transaction, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != from {
		return nil, fmt.Errorf("state is %s, expected %s: %w", sm.state, from, types.ErrStateViolation)
	}
	if !isLegalEdge(from, pseudo) {
		return nil, fmt.Errorf("illegal transition %s -> %s: %w", from, pseudo, types.ErrStateViolation)
	}
	sm.state = pseudo
	return &Transaction{sm: sm, from: from, pseudo: pseudo}, nil
}

// Commit moves from the pseudo-state to to.
func (t *Transaction) Commit(to string) error {
	t.sm.mu.Lock()
	defer t.sm.mu.Unlock()
	if t.committed {
		return fmt.Errorf("transaction already committed: %w", types.ErrStateViolation)
	}
	if !isLegalEdge(t.pseudo, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", t.pseudo, to, types.ErrStateViolation)
	}
	t.sm.state = to
	t.committed = true
	return nil
}

// Rollback restores the pre-transaction state. Safe to defer: it is a no-op
// after Commit.
func (t *Transaction) Rollback() {
	t.sm.mu.Lock()
	defer t.sm.mu.Unlock()
	if t.committed {
		return
	}
	t.sm.state = t.from
	t.committed = true
}

// IsStateIn reports whether state is one of states.
func IsStateIn(state string, states []string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// VerifyStateIn fails with a state violation unless state is in states.
func VerifyStateIn(state string, states []string, msg string) error {
	if !IsStateIn(state, states) {
		return fmt.Errorf("%s: state %s not in %v: %w", msg, state, states, types.ErrStateViolation)
	}
	return nil
}
