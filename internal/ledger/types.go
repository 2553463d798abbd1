// Package ledger defines the cached chain data the engine keeps per network
// and the repository contract the persistent store implements.
package ledger

import (
	"math/big"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

// TxStatus is the confirmation state of a cached transaction.
type TxStatus string

const (
	TxStatusUnknown         TxStatus = ""
	TxStatusPending         TxStatus = "pending"
	TxStatusConfirmed       TxStatus = "confirmed"
	TxStatusReverted        TxStatus = "reverted"
	TxStatusBroadcastFailed TxStatus = "broadcast_failed"
	TxStatusExpired         TxStatus = "expired"
)

// IsFinal reports whether the status is settled on chain.
func (s TxStatus) IsFinal() bool {
	return s == TxStatusConfirmed || s == TxStatusReverted
}

// rank orders statuses for merging. A status may only be replaced by one of
// strictly higher rank; final statuses share the top rank.
func (s TxStatus) rank() int {
	switch s {
	case TxStatusUnknown:
		return 0
	case TxStatusPending:
		return 1
	case TxStatusBroadcastFailed, TxStatusExpired:
		return 2
	case TxStatusConfirmed, TxStatusReverted:
		return 3
	default:
		return 0
	}
}

// Supersedes reports whether next may replace s during a merge. Final
// statuses are never replaced; a tx that expired locally may still be
// confirmed later. A rejected broadcast becomes pending when the same
// signed transaction is accepted on a later attempt.
func (s TxStatus) Supersedes(next TxStatus) bool {
	if s == TxStatusBroadcastFailed && next == TxStatusPending {
		return true
	}
	return next.rank() > s.rank()
}

// Block is a cached block header.
type Block struct {
	Network    chain.Network `json:"network"`
	Height     int64         `json:"height"`
	Hash       string        `json:"hash,omitempty"`
	ParentHash string        `json:"parent_hash,omitempty"`
	Timestamp  time.Time     `json:"timestamp,omitempty"`
	TxHashes   []string      `json:"tx_hashes,omitempty"`
	BaseFee    *big.Int      `json:"base_fee,omitempty"`
}

// Transaction is a cached transaction. Optional fields are nil when unknown
// so that merges never overwrite known values with zero values.
type Transaction struct {
	Network chain.Network `json:"network"`
	Hash    string        `json:"hash"`
	From    string        `json:"from,omitempty"`
	To      string        `json:"to,omitempty"`

	Nonce    *uint64  `json:"nonce,omitempty"`
	Value    *big.Int `json:"value,omitempty"`
	GasLimit *uint64  `json:"gas_limit,omitempty"`
	GasPrice *big.Int `json:"gas_price,omitempty"`
	GasUsed  *uint64  `json:"gas_used,omitempty"`
	Data     []byte   `json:"data,omitempty"`

	BlockHash   string `json:"block_hash,omitempty"`
	BlockHeight *int64 `json:"block_height,omitempty"`

	Status    TxStatus  `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Height-based message type URLs (e.g. /cosmos.bank.v1beta1.MsgSend).
	MsgTypes []string `json:"msg_types,omitempty"`
	Memo     string   `json:"memo,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Mined reports whether the transaction carries block data.
func (t *Transaction) Mined() bool {
	return t != nil && t.BlockHeight != nil
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Nonce = cloneU64(t.Nonce)
	c.GasLimit = cloneU64(t.GasLimit)
	c.GasUsed = cloneU64(t.GasUsed)
	c.Value = cloneBig(t.Value)
	c.GasPrice = cloneBig(t.GasPrice)
	if t.BlockHeight != nil {
		h := *t.BlockHeight
		c.BlockHeight = &h
	}
	if t.Data != nil {
		c.Data = append([]byte(nil), t.Data...)
	}
	if t.MsgTypes != nil {
		c.MsgTypes = append([]string(nil), t.MsgTypes...)
	}
	return &c
}

// Balance is a native-asset balance observed for a tracked account.
type Balance struct {
	Account chain.TrackedAccount `json:"account"`
	Amount  *big.Int             `json:"amount"`
	// Formatted is Amount scaled by the network's decimals.
	Formatted string    `json:"formatted"`
	Height    int64     `json:"height,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// QueuedRetrieval is a transaction hash awaiting resolution.
type QueuedRetrieval struct {
	Network     chain.Network `json:"network"`
	Hash        string        `json:"hash"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	// Prefetched carries partial data already obtained by history search.
	Prefetched *Transaction `json:"prefetched,omitempty"`
	// TargetHeight, when set, expires the entry once the chain passes it.
	TargetHeight int64 `json:"target_height,omitempty"`
}

// Key identifies the entry; at most one entry per key is queued.
func (q QueuedRetrieval) Key() string {
	return q.Network.Key() + "/" + q.Hash
}

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

func cloneU64(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
