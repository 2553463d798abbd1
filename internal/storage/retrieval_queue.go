package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

// QueueTransactionRetrieval implements ledger.Repository. An entry already
// queued for the same network and hash is left untouched.
func (s *Storage) QueueTransactionRetrieval(ctx context.Context, e ledger.QueuedRetrieval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	network, err := json.Marshal(e.Network)
	if err != nil {
		return fmt.Errorf("failed to encode network: %w", err)
	}

	var prefetched sql.NullString
	if e.Prefetched != nil {
		data, err := json.Marshal(e.Prefetched)
		if err != nil {
			return fmt.Errorf("failed to encode prefetched transaction: %w", err)
		}
		prefetched = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO retrieval_queue (
			network_key, hash, network, first_seen_at, target_height, prefetched
		) VALUES (?, ?, ?, ?, ?, ?)
	`, e.Network.Key(), e.Hash, string(network), e.FirstSeenAt.UnixNano(), e.TargetHeight, prefetched)
	if err != nil {
		return fmt.Errorf("failed to queue retrieval: %w", err)
	}
	return nil
}

// DequeueTransactionRetrieval implements ledger.Repository. Entries are
// ranked per network so networks alternate in the batch.
func (s *Storage) DequeueTransactionRetrieval(ctx context.Context, max int) ([]ledger.QueuedRetrieval, error) {
	if max <= 0 {
		max = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, hash, network, first_seen_at, target_height, prefetched
		FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY network_key ORDER BY first_seen_at ASC, id ASC
			) AS turn
			FROM retrieval_queue
		)
		ORDER BY turn ASC, first_seen_at ASC, id ASC
		LIMIT ?
	`, max)
	if err != nil {
		return nil, fmt.Errorf("failed to query retrieval queue: %w", err)
	}

	var (
		ids     []int64
		entries []ledger.QueuedRetrieval
	)
	for rows.Next() {
		var (
			id         int64
			e          ledger.QueuedRetrieval
			network    string
			firstSeen  int64
			prefetched sql.NullString
		)
		if err := rows.Scan(&id, &e.Hash, &network, &firstSeen, &e.TargetHeight, &prefetched); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(network), &e.Network); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode network: %w", err)
		}
		e.FirstSeenAt = time.Unix(0, firstSeen)
		if prefetched.Valid {
			e.Prefetched = new(ledger.Transaction)
			if err := json.Unmarshal([]byte(prefetched.String), e.Prefetched); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode prefetched transaction: %w", err)
			}
		}
		ids = append(ids, id)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM retrieval_queue WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to remove queued retrieval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}
	return entries, nil
}

// RetrievalQueueLen returns the number of queued retrievals.
func (s *Storage) RetrievalQueueLen(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM retrieval_queue`).Scan(&n)
	return n, err
}
