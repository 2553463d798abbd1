// Package events carries domain events from the engine to its consumers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

// Type identifies an event.
type Type string

const (
	BlockSeen                  Type = "block_seen"
	TransactionSeen            Type = "transaction_seen"
	AccountsWithBalances       Type = "accounts_with_balances"
	TransactionBroadcast       Type = "transaction_broadcast"
	TransactionBroadcastFailed Type = "transaction_broadcast_failed"
	AssetTransfersFound        Type = "asset_transfers_found"
	// TransactionUpdated is published when the retrieval queue settles a
	// cached transaction (confirmed, reverted or expired).
	TransactionUpdated Type = "transaction_updated"
)

// AllTypes lists every event type.
var AllTypes = []Type{
	BlockSeen,
	TransactionSeen,
	AccountsWithBalances,
	TransactionBroadcast,
	TransactionBroadcastFailed,
	AssetTransfersFound,
	TransactionUpdated,
}

// Event is a single domain event.
type Event struct {
	ID        string        `json:"id"`
	Type      Type          `json:"type"`
	Network   chain.Network `json:"network"`
	Timestamp time.Time     `json:"timestamp"`
	Data      any           `json:"data"`
}

// Payloads.

type BlockSeenData struct {
	Block *ledger.Block `json:"block"`
}

type TransactionData struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

type BroadcastFailedData struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Error       string              `json:"error"`
}

type BalancesData struct {
	Balances []ledger.Balance `json:"balances"`
}

type TransfersData struct {
	Account   chain.TrackedAccount  `json:"account"`
	Transfers []*ledger.Transaction `json:"transfers"`
}

func newEvent(t Type, n chain.Network, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Network:   n,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewBlockSeen builds a block_seen event.
func NewBlockSeen(b *ledger.Block) Event {
	return newEvent(BlockSeen, b.Network, BlockSeenData{Block: b})
}

// NewTransactionSeen builds a transaction_seen event.
func NewTransactionSeen(tx *ledger.Transaction) Event {
	return newEvent(TransactionSeen, tx.Network, TransactionData{Transaction: tx})
}

// NewTransactionBroadcast builds a transaction_broadcast event.
func NewTransactionBroadcast(tx *ledger.Transaction) Event {
	return newEvent(TransactionBroadcast, tx.Network, TransactionData{Transaction: tx})
}

// NewTransactionBroadcastFailed builds a transaction_broadcast_failed event.
func NewTransactionBroadcastFailed(tx *ledger.Transaction, err error) Event {
	d := BroadcastFailedData{Transaction: tx}
	if err != nil {
		d.Error = err.Error()
	}
	return newEvent(TransactionBroadcastFailed, tx.Network, d)
}

// NewTransactionUpdated builds a transaction_updated event.
func NewTransactionUpdated(tx *ledger.Transaction) Event {
	return newEvent(TransactionUpdated, tx.Network, TransactionData{Transaction: tx})
}

// NewAccountsWithBalances builds an accounts_with_balances event. Balances
// may span networks; the event network is that of the first balance.
func NewAccountsWithBalances(balances []ledger.Balance) Event {
	var n chain.Network
	if len(balances) > 0 {
		n = balances[0].Account.Network
	}
	return newEvent(AccountsWithBalances, n, BalancesData{Balances: balances})
}

// NewAssetTransfersFound builds an asset_transfers_found event.
func NewAssetTransfersFound(a chain.TrackedAccount, transfers []*ledger.Transaction) Event {
	return newEvent(AssetTransfersFound, a.Network, TransfersData{Account: a, Transfers: transfers})
}
