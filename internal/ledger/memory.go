package ledger

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

type lookupRange struct {
	oldest, newest int64
}

type queued struct {
	entry QueuedRetrieval
	seq   uint64
}

// MemoryStore is an in-process Repository. It is used by tests and by the
// daemon when storage.driver is "memory".
type MemoryStore struct {
	mu       sync.Mutex
	blocks   map[string]*Block
	txs      map[string]*Transaction
	accounts map[string]chain.TrackedAccount
	lookups  map[string]lookupRange
	queue    map[string]queued
	seq      uint64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:   make(map[string]*Block),
		txs:      make(map[string]*Transaction),
		accounts: make(map[string]chain.TrackedAccount),
		lookups:  make(map[string]lookupRange),
		queue:    make(map[string]queued),
	}
}

var _ Repository = (*MemoryStore)(nil)

func blockKey(n chain.Network, height int64) string {
	return n.Key() + "#" + strconv.FormatInt(height, 10)
}

func txKey(n chain.Network, hash string) string {
	return n.Key() + "/" + hash
}

// GetBlock implements Repository.
func (m *MemoryStore) GetBlock(_ context.Context, n chain.Network, height int64) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[blockKey(n, height)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBlock(b), nil
}

// AddBlock implements Repository.
func (m *MemoryStore) AddBlock(_ context.Context, b *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := blockKey(b.Network, b.Height)
	m.blocks[k] = MergeBlock(m.blocks[k], b)
	return nil
}

// GetTransaction implements Repository.
func (m *MemoryStore) GetTransaction(_ context.Context, n chain.Network, hash string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txKey(n, hash)]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

// AddOrUpdateTransaction implements Repository.
func (m *MemoryStore) AddOrUpdateTransaction(_ context.Context, tx *Transaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := txKey(tx.Network, tx.Hash)
	merged := MergeTransaction(m.txs[k], tx)
	m.txs[k] = merged
	return merged.Clone(), nil
}

// GetAccountsToTrack implements Repository.
func (m *MemoryStore) GetAccountsToTrack(_ context.Context) ([]chain.TrackedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chain.TrackedAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// AddAccountToTrack implements Repository.
func (m *MemoryStore) AddAccountToTrack(_ context.Context, a chain.TrackedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Key()] = a
	return nil
}

// RemoveAccountToTrack implements Repository.
func (m *MemoryStore) RemoveAccountToTrack(_ context.Context, a chain.TrackedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, a.Key())
	return nil
}

// RecordAssetTransferLookup implements Repository.
func (m *MemoryStore) RecordAssetTransferLookup(_ context.Context, a chain.TrackedAccount, from, to int64) error {
	if from > to {
		from, to = to, from
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookups[a.Key()]
	if !ok {
		m.lookups[a.Key()] = lookupRange{oldest: from, newest: to}
		return nil
	}
	if from < r.oldest {
		r.oldest = from
	}
	if to > r.newest {
		r.newest = to
	}
	m.lookups[a.Key()] = r
	return nil
}

// OldestLookup implements Repository.
func (m *MemoryStore) OldestLookup(_ context.Context, a chain.TrackedAccount) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookups[a.Key()]
	return r.oldest, ok, nil
}

// NewestLookup implements Repository.
func (m *MemoryStore) NewestLookup(_ context.Context, a chain.TrackedAccount) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.lookups[a.Key()]
	return r.newest, ok, nil
}

// DequeueTransactionRetrieval implements Repository.
func (m *MemoryStore) DequeueTransactionRetrieval(_ context.Context, max int) ([]QueuedRetrieval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]queued, 0, len(m.queue))
	for _, q := range m.queue {
		all = append(all, q)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.entry.FirstSeenAt.Equal(b.entry.FirstSeenAt) {
			return a.entry.FirstSeenAt.Before(b.entry.FirstSeenAt)
		}
		return a.seq < b.seq
	})
	// Rank each entry within its network, then order by rank so every
	// network gets a turn before any gets a second one.
	turn := make(map[string]int, len(all))
	rank := make([]int, len(all))
	for i, q := range all {
		key := q.entry.Network.Key()
		rank[i] = turn[key]
		turn[key]++
	}
	idx := make([]int, len(all))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return rank[idx[i]] < rank[idx[j]] })
	fair := make([]queued, len(all))
	for i, k := range idx {
		fair[i] = all[k]
	}
	all = fair
	if max > 0 && len(all) > max {
		all = all[:max]
	}
	out := make([]QueuedRetrieval, 0, len(all))
	for _, q := range all {
		delete(m.queue, q.entry.Key())
		out = append(out, q.entry)
	}
	return out, nil
}

// QueueTransactionRetrieval implements Repository.
func (m *MemoryStore) QueueTransactionRetrieval(_ context.Context, e QueuedRetrieval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[e.Key()]; ok {
		return nil
	}
	m.seq++
	e.Prefetched = e.Prefetched.Clone()
	m.queue[e.Key()] = queued{entry: e, seq: m.seq}
	return nil
}

// QueueLen returns the number of queued retrievals.
func (m *MemoryStore) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
