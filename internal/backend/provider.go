// Package backend provides the remote chain access the engine is built on:
// one Provider per network, backed by one or more transports with fallback.
// This package never handles private keys.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

// Common errors
var (
	ErrProviderUnavailable     = errors.New("provider unavailable")
	ErrTxNotFound              = errors.New("transaction not found")
	ErrBlockNotFound           = errors.New("block not found")
	ErrMalformedRemoteData     = errors.New("malformed remote data")
	ErrSubscriptionUnsupported = errors.New("subscription unsupported")
	ErrUnknownNetwork          = errors.New("unknown network")
	ErrNotSupported            = errors.New("not supported by provider")
)

// BlockTag selects a block by height. TagLatest selects the chain tip.
type BlockTag int64

const TagLatest BlockTag = -1

// Topic is a live subscription topic.
type Topic string

const (
	TopicNewHeads            Topic = "new_heads"
	TopicPendingTransactions Topic = "pending_transactions"
)

// Notification is delivered to subscription handlers. Exactly one of Block
// or Transaction is set, matching Topic.
type Notification struct {
	Topic       Topic
	Block       *ledger.Block
	Transaction *ledger.Transaction
}

// Handler receives subscription notifications. It is called from the
// subscription's own goroutine and must not block for long.
type Handler func(Notification)

// SubscribeRequest describes a subscription.
type SubscribeRequest struct {
	Topic Topic
	// Address filters pending transactions to those from or to it.
	Address string
}

// Provider is the common contract for both network families.
type Provider interface {
	Network() chain.Network

	LatestHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, tag BlockTag) (*ledger.Block, error)
	// GetTransaction returns ErrTxNotFound when the node doesn't know hash.
	GetTransaction(ctx context.Context, hash string) (*ledger.Transaction, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	// SendRaw broadcasts a signed transaction and returns its hash.
	SendRaw(ctx context.Context, tx *chain.SignedTx) (string, error)

	Subscribe(ctx context.Context, req SubscribeRequest, h Handler) (*Subscription, error)

	// Send is an escape hatch for RPC methods not covered above.
	Send(ctx context.Context, method string, params ...any) (json.RawMessage, error)

	Close() error
}

// AccountProvider is implemented by account-based (EVM) providers.
type AccountProvider interface {
	Provider
	EstimateGas(ctx context.Context, req *chain.TxRequest) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// TransactionCount returns the confirmed transaction count at "latest".
	TransactionCount(ctx context.Context, address string) (uint64, error)
	// GetReceipt returns the receipt fields of a mined transaction.
	GetReceipt(ctx context.Context, hash string) (*ledger.Transaction, error)
	// FilterTransfers returns token transfers to or from address in
	// [from, to].
	FilterTransfers(ctx context.Context, address string, from, to int64) ([]*ledger.Transaction, error)
}

// TransferQuery bounds a height-based transfer search. Zero heights are
// unbounded.
type TransferQuery struct {
	MinHeight int64
	MaxHeight int64
	// Limit caps the number of results per direction, or in total when
	// OldestFirst is set.
	Limit    int
	PageSize int
	// OldestFirst walks the range upwards from MinHeight, so that a search
	// cut off by Limit is still complete up to TransferPage.Through.
	OldestFirst bool
}

// TransferPage is the result of a transfer search.
type TransferPage struct {
	// Transfers are sorted newest first.
	Transfers []*ledger.Transaction
	// Through is the highest height up to which every matching transfer
	// in the range was returned. It is only meaningful for OldestFirst
	// searches with a MaxHeight; otherwise it is MaxHeight.
	Through int64
}

// HeightProvider is implemented by height-based (CometBFT) providers.
type HeightProvider interface {
	Provider
	// SearchTransfers returns transactions sending to or from address.
	SearchTransfers(ctx context.Context, address string, q TransferQuery) (*TransferPage, error)
}

// RPCError is an application-level error reported by a node. It is never a
// reason to fail over to another transport.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("RPC error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}
