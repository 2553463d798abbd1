package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

// GetBlock implements ledger.Repository.
func (s *Storage) GetBlock(ctx context.Context, n chain.Network, height int64) (*ledger.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBlock(ctx, s.db, n, height)
}

// AddBlock implements ledger.Repository.
func (s *Storage) AddBlock(ctx context.Context, b *ledger.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getBlock(ctx, tx, b.Network, b.Height)
	if err != nil && err != ledger.ErrNotFound {
		return err
	}
	merged := ledger.MergeBlock(existing, b)

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blocks (network_key, height, hash, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(network_key, height) DO UPDATE SET
			hash = excluded.hash, data = excluded.data, updated_at = excluded.updated_at
	`, merged.Network.Key(), merged.Height, merged.Hash, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	return tx.Commit()
}

// GetTransaction implements ledger.Repository.
func (s *Storage) GetTransaction(ctx context.Context, n chain.Network, hash string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTransaction(ctx, s.db, n, hash)
}

// AddOrUpdateTransaction implements ledger.Repository.
func (s *Storage) AddOrUpdateTransaction(ctx context.Context, t *ledger.Transaction) (*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getTransaction(ctx, tx, t.Network, t.Hash)
	if err != nil && err != ledger.ErrNotFound {
		return nil, err
	}
	merged := ledger.MergeTransaction(existing, t)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	var height sql.NullInt64
	if merged.BlockHeight != nil {
		height = sql.NullInt64{Int64: *merged.BlockHeight, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (network_key, hash, status, block_height, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(network_key, hash) DO UPDATE SET
			status = excluded.status, block_height = excluded.block_height,
			data = excluded.data, updated_at = excluded.updated_at
	`, merged.Network.Key(), merged.Hash, string(merged.Status), height, string(data), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return merged, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Storage) getBlock(ctx context.Context, q queryer, n chain.Network, height int64) (*ledger.Block, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM blocks WHERE network_key = ? AND height = ?`,
		n.Key(), height,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block: %w", err)
	}
	var b ledger.Block
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return &b, nil
}

func (s *Storage) getTransaction(ctx context.Context, q queryer, n chain.Network, hash string) (*ledger.Transaction, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM transactions WHERE network_key = ? AND hash = ?`,
		n.Key(), hash,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	var t ledger.Transaction
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &t, nil
}
