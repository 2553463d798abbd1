package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/pkg/helpers"
)

// GetBlock returns the block at height, from cache when possible. A
// negative height asks the node for its latest block. Fetched blocks are
// cached before they are returned.
func (c *Coordinator) GetBlock(ctx context.Context, n chain.Network, height int64) (*ledger.Block, error) {
	if height >= 0 {
		cached, err := c.repo.GetBlock(ctx, n, height)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
	}

	p, err := c.providers.Get(n)
	if err != nil {
		return nil, err
	}
	tag := backend.TagLatest
	if height >= 0 {
		tag = backend.BlockTag(height)
	}
	block, err := p.GetBlock(ctx, tag)
	if err != nil {
		return nil, err
	}
	if err := c.repo.AddBlock(ctx, block); err != nil {
		return nil, fmt.Errorf("failed to cache block: %w", err)
	}
	return c.repo.GetBlock(ctx, n, block.Height)
}

// GetTransaction returns a transaction, from cache when it is already
// settled. Otherwise the node is asked and the result merged into the
// cache; the block of a mined height-based transaction is cached first.
// When the node doesn't know the hash the cached entry, if any, is
// returned.
func (c *Coordinator) GetTransaction(ctx context.Context, n chain.Network, hash string) (*ledger.Transaction, error) {
	hash = chain.NormalizeHash(n, hash)
	cached, err := c.repo.GetTransaction(ctx, n, hash)
	switch {
	case err == nil && cached.Status.IsFinal():
		return cached, nil
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}

	fetched, err := c.fetchTransaction(ctx, n, hash)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) && cached != nil {
			return cached, nil
		}
		return nil, err
	}
	return c.repo.AddOrUpdateTransaction(ctx, fetched)
}

func (c *Coordinator) fetchTransaction(ctx context.Context, n chain.Network, hash string) (*ledger.Transaction, error) {
	switch n.Family {
	case chain.AccountBased:
		p, err := c.providers.Account(n)
		if err != nil {
			return nil, err
		}
		tx, err := p.GetTransaction(ctx, hash)
		if err != nil {
			return nil, err
		}
		if !tx.Mined() {
			return tx, nil
		}
		receipt, err := p.GetReceipt(ctx, hash)
		if err != nil {
			// The receipt shows up a little after the block; keep what we have.
			c.log.Debug("Receipt not available", "hash", hash, "error", err)
			return tx, nil
		}
		return ledger.MergeTransaction(tx, receipt), nil

	case chain.HeightBased:
		p, err := c.providers.Get(n)
		if err != nil {
			return nil, err
		}
		tx, err := p.GetTransaction(ctx, hash)
		if err != nil {
			return nil, err
		}
		if tx.Mined() {
			block, err := c.GetBlock(ctx, n, *tx.BlockHeight)
			if err != nil {
				return nil, fmt.Errorf("failed to cache block %d: %w", *tx.BlockHeight, err)
			}
			if tx.Timestamp.IsZero() {
				tx.Timestamp = block.Timestamp
			}
		}
		return tx, nil

	default:
		return nil, fmt.Errorf("unsupported family for %s", n.Key())
	}
}

func newBalance(a chain.TrackedAccount, amount *big.Int, now time.Time) ledger.Balance {
	return ledger.Balance{
		Account:   a,
		Amount:    amount,
		Formatted: helpers.FormatUnits(amount, a.Network.Asset.Decimals),
		FetchedAt: now,
	}
}

func sortBalances(b []ledger.Balance) {
	sort.Slice(b, func(i, j int) bool {
		return b[i].Account.Key() < b[j].Account.Key()
	})
}
