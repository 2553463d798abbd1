// Package subscription keeps the live feeds of the active account open.
//
// Only one account is active at a time. Activating another account tears
// every feed down and rebuilds the provider of its network before opening
// new ones.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// Reconfigurer rebuilds the provider of a network. *backend.Registry
// implements it.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, n chain.Network) (backend.Provider, error)
}

// NonceObserver is told about nonces seen on the network.
// *nonce.Allocator implements it.
type NonceObserver interface {
	Observe(n chain.Network, address string, nonce uint64) error
}

// Enqueuer accepts transactions for confirmation tracking.
// *retrieval.Worker implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, n chain.Network, hash string, prefetched *ledger.Transaction, targetHeight int64) error
}

// Config wires the manager's collaborators.
type Config struct {
	Providers Reconfigurer
	Repo      ledger.Repository
	Queue     Enqueuer
	Nonces    NonceObserver
	Events    events.Publisher
	Log       *logging.Logger
	Now       func() time.Time
}

// Manager owns the live subscriptions.
type Manager struct {
	providers Reconfigurer
	repo      ledger.Repository
	queue     Enqueuer
	nonces    NonceObserver
	events    events.Publisher
	log       *logging.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *chain.TrackedAccount
	subs   []*backend.Subscription
}

// NewManager creates a subscription manager.
func NewManager(cfg Config) *Manager {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Log == nil {
		cfg.Log = logging.GetDefault().Component("subscriptions")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		providers: cfg.Providers,
		repo:      cfg.Repo,
		queue:     cfg.Queue,
		nonces:    cfg.Nonces,
		events:    cfg.Events,
		log:       cfg.Log,
		now:       cfg.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Activate replaces every subscription with feeds for a. New heads are
// always opened; pending transactions only for account-based networks and
// only where the provider supports them.
func (m *Manager) Activate(ctx context.Context, a chain.TrackedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return errors.New("subscription manager closed")
	}
	m.teardownLocked()

	p, err := m.providers.Reconfigure(ctx, a.Network)
	if err != nil {
		return err
	}

	heads, err := p.Subscribe(m.ctx, backend.SubscribeRequest{Topic: backend.TopicNewHeads}, m.onHead(a.Network))
	if err != nil {
		return err
	}
	subs := []*backend.Subscription{heads}

	switch a.Network.Family {
	case chain.AccountBased:
		pending, err := p.Subscribe(m.ctx, backend.SubscribeRequest{
			Topic:   backend.TopicPendingTransactions,
			Address: a.Address,
		}, m.onPending(a))
		switch {
		case errors.Is(err, backend.ErrSubscriptionUnsupported):
			m.log.Warn("Pending transaction feed unavailable", "network", a.Network.Key(), "error", err)
		case err != nil:
			heads.Unsubscribe()
			return err
		default:
			subs = append(subs, pending)
		}
	case chain.HeightBased:
		// Height-based chains have no mempool feed; broadcasts are tracked
		// by the retrieval queue.
	}

	acct := a
	m.active = &acct
	m.subs = subs
	m.log.Info("Account activated", "account", a.Key(), "subscriptions", len(subs), "polling", heads.Polling)
	return nil
}

// Deactivate closes every subscription.
func (m *Manager) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// Close releases everything; the manager cannot be activated again.
func (m *Manager) Close() {
	m.Deactivate()
	m.cancel()
}

// Active returns the active account, if any.
func (m *Manager) Active() (chain.TrackedAccount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return chain.TrackedAccount{}, false
	}
	return *m.active, true
}

// Subscriptions returns the open subscriptions.
func (m *Manager) Subscriptions() []*backend.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*backend.Subscription(nil), m.subs...)
}

func (m *Manager) teardownLocked() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	if m.active != nil {
		m.log.Debug("Subscriptions released", "account", m.active.Key(), "count", len(m.subs))
	}
	m.subs = nil
	m.active = nil
}

func (m *Manager) onHead(n chain.Network) backend.Handler {
	return func(note backend.Notification) {
		if note.Block == nil {
			return
		}
		if err := m.repo.AddBlock(m.ctx, note.Block); err != nil {
			m.log.Warn("Failed to cache block", "network", n.Key(), "height", note.Block.Height, "error", err)
			return
		}
		m.events.Publish(events.NewBlockSeen(note.Block))
	}
}

func (m *Manager) onPending(a chain.TrackedAccount) backend.Handler {
	return func(note backend.Notification) {
		tx := note.Transaction
		if tx == nil {
			return
		}
		if tx.Nonce != nil && tx.From == a.Address && m.nonces != nil {
			if err := m.nonces.Observe(a.Network, a.Address, *tx.Nonce); err != nil {
				m.log.Warn("Failed to observe nonce", "account", a.Key(), "error", err)
			}
		}

		cached, err := m.repo.AddOrUpdateTransaction(m.ctx, ledger.PendingTransaction(tx, m.now()))
		if err != nil {
			m.log.Warn("Failed to cache pending transaction", "hash", tx.Hash, "error", err)
			return
		}
		if err := m.queue.Enqueue(m.ctx, a.Network, tx.Hash, nil, 0); err != nil {
			m.log.Warn("Failed to queue pending transaction", "hash", tx.Hash, "error", err)
		}
		m.events.Publish(events.NewTransactionSeen(cached))
	}
}
