package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

func TestFlowTransitions(t *testing.T) {
	now := func() time.Time { return time.Unix(0, 0) }

	tests := []struct {
		name  string
		path  []TxState
		valid bool
	}{
		{"confirmed", []TxState{StateNoncePending, StateBroadcasting, StatePending, StateConfirmed}, true},
		{"expired", []TxState{StateNoncePending, StateBroadcasting, StatePending, StateExpired}, true},
		{"rejected", []TxState{StateNoncePending, StateBroadcasting, StateBroadcastFailed}, true},
		{"skip nonce", []TxState{StateBroadcasting}, false},
		{"confirm without broadcast", []TxState{StateNoncePending, StateConfirmed}, false},
		{"failed is terminal", []TxState{StateNoncePending, StateBroadcasting, StateBroadcastFailed, StatePending}, false},
		{"confirmed is terminal", []TxState{StateNoncePending, StateBroadcasting, StatePending, StateConfirmed, StateExpired}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlow(now)
			var err error
			for _, s := range tt.path {
				if err = f.TransitionTo(s); err != nil {
					break
				}
			}
			if tt.valid {
				require.NoError(t, err)
				require.Len(t, f.History, len(tt.path))
				require.True(t, f.State.IsTerminal())
			} else {
				require.ErrorIs(t, err, ErrInvalidState)
			}
		})
	}
}

func TestStateFromStatus(t *testing.T) {
	require.Equal(t, StatePending, StateFromStatus(ledger.TxStatusPending))
	require.Equal(t, StateConfirmed, StateFromStatus(ledger.TxStatusConfirmed))
	require.Equal(t, StateConfirmed, StateFromStatus(ledger.TxStatusReverted))
	require.Equal(t, StateBroadcastFailed, StateFromStatus(ledger.TxStatusBroadcastFailed))
	require.Equal(t, StateExpired, StateFromStatus(ledger.TxStatusExpired))
	require.Equal(t, StateRequested, StateFromStatus(ledger.TxStatusUnknown))
	require.False(t, StatePending.IsTerminal())
}
