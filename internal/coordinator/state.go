package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

// ErrInvalidState is returned for a transition the state table forbids.
var ErrInvalidState = errors.New("invalid transaction state")

// TxState is the lifecycle state of a transaction sent through the
// coordinator.
type TxState string

const (
	StateRequested       TxState = "requested"
	StateNoncePending    TxState = "nonce_pending"
	StateBroadcasting    TxState = "broadcasting"
	StateBroadcastFailed TxState = "broadcast_failed"
	StatePending         TxState = "pending"
	StateConfirmed       TxState = "confirmed"
	StateExpired         TxState = "expired"
)

var validTransitions = map[TxState][]TxState{
	StateRequested:       {StateNoncePending},
	StateNoncePending:    {StateBroadcasting},
	StateBroadcasting:    {StateBroadcastFailed, StatePending},
	StatePending:         {StateConfirmed, StateExpired},
	StateBroadcastFailed: {}, // Terminal state
	StateConfirmed:       {}, // Terminal state
	StateExpired:         {}, // Terminal state
}

// IsTerminal reports whether no further transition is possible.
func (s TxState) IsTerminal() bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}

// StateFromStatus maps a cached transaction status onto the lifecycle.
// Reverted transactions are confirmed: they were mined.
func StateFromStatus(s ledger.TxStatus) TxState {
	switch s {
	case ledger.TxStatusPending:
		return StatePending
	case ledger.TxStatusConfirmed, ledger.TxStatusReverted:
		return StateConfirmed
	case ledger.TxStatusBroadcastFailed:
		return StateBroadcastFailed
	case ledger.TxStatusExpired:
		return StateExpired
	default:
		return StateRequested
	}
}

// Transition records one state change.
type Transition struct {
	From TxState   `json:"from"`
	To   TxState   `json:"to"`
	At   time.Time `json:"at"`
}

// Flow walks one transaction through the state table.
type Flow struct {
	State   TxState      `json:"state"`
	History []Transition `json:"history,omitempty"`
	now     func() time.Time
}

func newFlow(now func() time.Time) *Flow {
	return &Flow{State: StateRequested, now: now}
}

// TransitionTo moves the flow to next if the table allows it.
func (f *Flow) TransitionTo(next TxState) error {
	allowed, ok := validTransitions[f.State]
	if !ok {
		return fmt.Errorf("%w: unknown current state %s", ErrInvalidState, f.State)
	}
	for _, s := range allowed {
		if s == next {
			f.History = append(f.History, Transition{From: f.State, To: next, At: f.now()})
			f.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, f.State, next)
}
