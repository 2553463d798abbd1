package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

// AddAccountToTrack implements ledger.Repository.
func (s *Storage) AddAccountToTrack(ctx context.Context, a chain.TrackedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	network, err := json.Marshal(a.Network)
	if err != nil {
		return fmt.Errorf("failed to encode network: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracked_accounts (network_key, address, network, added_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(network_key, address) DO UPDATE SET network = excluded.network
	`, a.Network.Key(), a.Address, string(network), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add tracked account: %w", err)
	}
	return nil
}

// RemoveAccountToTrack implements ledger.Repository. Cached blocks,
// transactions and lookup ranges are kept.
func (s *Storage) RemoveAccountToTrack(ctx context.Context, a chain.TrackedAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tracked_accounts WHERE network_key = ? AND address = ?
	`, a.Network.Key(), a.Address)
	if err != nil {
		return fmt.Errorf("failed to remove tracked account: %w", err)
	}
	return nil
}

// GetAccountsToTrack implements ledger.Repository.
func (s *Storage) GetAccountsToTrack(ctx context.Context) ([]chain.TrackedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, network FROM tracked_accounts
		ORDER BY network_key, address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []chain.TrackedAccount
	for rows.Next() {
		var address, network string
		if err := rows.Scan(&address, &network); err != nil {
			return nil, err
		}
		a := chain.TrackedAccount{Address: address}
		if err := json.Unmarshal([]byte(network), &a.Network); err != nil {
			return nil, fmt.Errorf("failed to decode network for %s: %w", address, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// RecordAssetTransferLookup implements ledger.Repository.
func (s *Storage) RecordAssetTransferLookup(ctx context.Context, a chain.TrackedAccount, from, to int64) error {
	if from > to {
		from, to = to, from
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_transfer_lookups (network_key, address, oldest_height, newest_height, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(network_key, address) DO UPDATE SET
			oldest_height = MIN(oldest_height, excluded.oldest_height),
			newest_height = MAX(newest_height, excluded.newest_height),
			updated_at = excluded.updated_at
	`, a.Network.Key(), a.Address, from, to, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record lookup: %w", err)
	}
	return nil
}

// OldestLookup implements ledger.Repository.
func (s *Storage) OldestLookup(ctx context.Context, a chain.TrackedAccount) (int64, bool, error) {
	return s.lookupBound(ctx, a, "oldest_height")
}

// NewestLookup implements ledger.Repository.
func (s *Storage) NewestLookup(ctx context.Context, a chain.TrackedAccount) (int64, bool, error) {
	return s.lookupBound(ctx, a, "newest_height")
}

func (s *Storage) lookupBound(ctx context.Context, a chain.TrackedAccount, column string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var height int64
	err := s.db.QueryRowContext(ctx,
		"SELECT "+column+" FROM asset_transfer_lookups WHERE network_key = ? AND address = ?",
		a.Network.Key(), a.Address,
	).Scan(&height)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query lookup range: %w", err)
	}
	return height, true, nil
}
