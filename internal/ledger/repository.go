package ledger

import (
	"context"
	"errors"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = errors.New("not found")

// Repository is the persistent store the engine reads and writes through.
// Every write is durable once it returns.
type Repository interface {
	GetBlock(ctx context.Context, n chain.Network, height int64) (*Block, error)
	// AddBlock merges b into any cached block at the same height.
	AddBlock(ctx context.Context, b *Block) error

	GetTransaction(ctx context.Context, n chain.Network, hash string) (*Transaction, error)
	// AddOrUpdateTransaction merges tx into the cached entry and returns the
	// stored result.
	AddOrUpdateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)

	GetAccountsToTrack(ctx context.Context) ([]chain.TrackedAccount, error)
	AddAccountToTrack(ctx context.Context, a chain.TrackedAccount) error
	// RemoveAccountToTrack stops tracking a; cached history is kept.
	RemoveAccountToTrack(ctx context.Context, a chain.TrackedAccount) error

	// RecordAssetTransferLookup widens the account's covered range to
	// include [from, to].
	RecordAssetTransferLookup(ctx context.Context, a chain.TrackedAccount, from, to int64) error
	// OldestLookup and NewestLookup return the covered range bounds; ok is
	// false when the account has no recorded lookup.
	OldestLookup(ctx context.Context, a chain.TrackedAccount) (height int64, ok bool, err error)
	NewestLookup(ctx context.Context, a chain.TrackedAccount) (height int64, ok bool, err error)

	// DequeueTransactionRetrieval removes and returns up to max entries.
	// Networks take turns: the batch holds the oldest entry of every
	// network before the second oldest of any, so one network cannot fill
	// it. Within a network entries come oldest first.
	DequeueTransactionRetrieval(ctx context.Context, max int) ([]QueuedRetrieval, error)
	// QueueTransactionRetrieval adds e unless an entry with the same
	// network and hash is already queued.
	QueueTransactionRetrieval(ctx context.Context, e QueuedRetrieval) error
}
