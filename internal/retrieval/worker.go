// Package retrieval resolves queued transaction hashes against the network
// and merges what it finds into the ledger cache.
package retrieval

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// Config configures the worker.
type Config struct {
	PollInterval time.Duration // How often the queue is drained
	StartDelay   time.Duration // Wait before the first drain
	BatchSize    int           // Max entries per drain
	Lifetime     time.Duration // Account-based entries older than this expire

	Log *logging.Logger
	Now func() time.Time
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		StartDelay:   time.Minute,
		BatchSize:    20,
		Lifetime:     10 * time.Hour,
	}
}

// Providers gives access to the per-network providers. *backend.Registry
// implements it.
type Providers interface {
	Account(n chain.Network) (backend.AccountProvider, error)
	Height(n chain.Network) (backend.HeightProvider, error)
}

// Outcome is what happened to one dequeued entry.
type Outcome string

const (
	OutcomeResolved Outcome = "resolved"
	OutcomeRequeued Outcome = "requeued"
	OutcomeExpired  Outcome = "expired"
	OutcomeSkipped  Outcome = "skipped"
)

// Stats summarises one drain.
type Stats struct {
	Resolved int
	Requeued int
	Expired  int
	Skipped  int
}

func (s *Stats) add(o Outcome) {
	switch o {
	case OutcomeResolved:
		s.Resolved++
	case OutcomeRequeued:
		s.Requeued++
	case OutcomeExpired:
		s.Expired++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// Total is the number of entries handled.
func (s Stats) Total() int {
	return s.Resolved + s.Requeued + s.Expired + s.Skipped
}

// Worker drains the retrieval queue on a timer.
type Worker struct {
	repo      ledger.Repository
	providers Providers
	events    events.Publisher
	config    Config
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a new retrieval worker.
func NewWorker(repo ledger.Repository, providers Providers, pub events.Publisher, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = def.Lifetime
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logging.GetDefault().Component("retrieval")
	}
	if pub == nil {
		pub = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		repo:      repo,
		providers: providers,
		events:    pub,
		config:    cfg,
		log:       cfg.Log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the drain loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("Retrieval worker started", "poll_interval", w.config.PollInterval, "start_delay", w.config.StartDelay)
}

// Stop stops the loop and waits for an in-flight drain to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
	w.log.Info("Retrieval worker stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	delay := time.NewTimer(w.config.StartDelay)
	defer delay.Stop()
	select {
	case <-w.ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		// In-flight work is not cancelled by Stop.
		if _, err := w.Drain(context.WithoutCancel(w.ctx)); err != nil {
			w.log.Warn("Drain failed", "error", err)
		}
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Enqueue adds a hash to the queue. Queueing a hash that is already queued
// for the network does nothing.
func (w *Worker) Enqueue(ctx context.Context, n chain.Network, hash string, prefetched *ledger.Transaction, targetHeight int64) error {
	return w.repo.QueueTransactionRetrieval(ctx, ledger.QueuedRetrieval{
		Network:      n,
		Hash:         chain.NormalizeHash(n, hash),
		FirstSeenAt:  w.config.Now(),
		Prefetched:   prefetched,
		TargetHeight: targetHeight,
	})
}

// Drain processes one batch of the oldest entries. Networks are processed
// concurrently and entries of one network in order.
func (w *Worker) Drain(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() {
		metrics.RetrievalDrainLatency.Observe(time.Since(start).Seconds())
	}()

	entries, err := w.repo.DequeueTransactionRetrieval(ctx, w.config.BatchSize)
	if err != nil {
		return Stats{}, err
	}
	if len(entries) == 0 {
		return Stats{}, nil
	}

	var order []string
	groups := make(map[string][]ledger.QueuedRetrieval)
	for _, e := range entries {
		key := e.Network.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	var (
		mu    sync.Mutex
		stats Stats
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, e := range group {
				outcome := w.process(gctx, e)
				metrics.RetrievalOutcomes.WithLabelValues(e.Network.Key(), string(outcome)).Inc()
				mu.Lock()
				stats.add(outcome)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	w.log.Debug("Drain cycle",
		"entries", len(entries),
		"resolved", stats.Resolved,
		"requeued", stats.Requeued,
		"expired", stats.Expired,
		"skipped", stats.Skipped)
	return stats, err
}

func (w *Worker) process(ctx context.Context, e ledger.QueuedRetrieval) Outcome {
	switch e.Network.Family {
	case chain.AccountBased:
		p, err := w.providers.Account(e.Network)
		if err != nil {
			return w.noProvider(ctx, e, err)
		}
		return w.processAccount(ctx, p, e)
	case chain.HeightBased:
		p, err := w.providers.Height(e.Network)
		if err != nil {
			return w.noProvider(ctx, e, err)
		}
		return w.processHeight(ctx, p, e)
	default:
		w.log.Warn("Dropping queued transaction of unknown family", "network", e.Network.Key(), "hash", e.Hash)
		return OutcomeSkipped
	}
}

// noProvider drops entries for networks that are not configured. Other
// provider construction errors are retried like any provider failure.
func (w *Worker) noProvider(ctx context.Context, e ledger.QueuedRetrieval, err error) Outcome {
	if errors.Is(err, backend.ErrUnknownNetwork) {
		w.log.Warn("Dropping queued transaction for unconfigured network", "network", e.Network.Key(), "hash", e.Hash)
		return OutcomeSkipped
	}
	w.log.Warn("No provider for queued transaction", "network", e.Network.Key(), "hash", e.Hash, "error", err)
	if e.Network.Family == chain.AccountBased {
		return w.unresolved(ctx, e)
	}
	return w.requeue(ctx, e)
}

// processAccount resolves an account-based entry: the transaction first,
// then its block and receipt once it is mined.
func (w *Worker) processAccount(ctx context.Context, p backend.AccountProvider, e ledger.QueuedRetrieval) Outcome {
	tx, err := p.GetTransaction(ctx, e.Hash)
	switch {
	case errors.Is(err, backend.ErrMalformedRemoteData):
		w.log.Warn("Skipping malformed transaction", "network", e.Network.Key(), "hash", e.Hash, "error", err)
		return OutcomeSkipped
	case errors.Is(err, backend.ErrTxNotFound):
		return w.unresolved(ctx, e)
	case err != nil:
		w.log.Debug("Transaction lookup failed", "network", e.Network.Key(), "hash", e.Hash, "error", err)
		return w.unresolved(ctx, e)
	}

	if _, err := w.repo.AddOrUpdateTransaction(ctx, tx); err != nil {
		w.log.Warn("Failed to cache transaction", "hash", e.Hash, "error", err)
		return w.requeue(ctx, e)
	}
	if !tx.Mined() {
		return w.unresolved(ctx, e)
	}

	var (
		block   *ledger.Block
		receipt *ledger.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		block, err = p.GetBlock(gctx, backend.BlockTag(*tx.BlockHeight))
		return err
	})
	g.Go(func() error {
		var err error
		receipt, err = p.GetReceipt(gctx, e.Hash)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, backend.ErrMalformedRemoteData) {
			w.log.Warn("Skipping transaction with malformed block or receipt", "hash", e.Hash, "error", err)
			return OutcomeSkipped
		}
		w.log.Debug("Block or receipt not available yet", "hash", e.Hash, "error", err)
		return w.unresolved(ctx, e)
	}

	if !block.Timestamp.IsZero() && receipt.Timestamp.IsZero() {
		receipt.Timestamp = block.Timestamp
	}
	if err := w.repo.AddBlock(ctx, block); err != nil {
		w.log.Warn("Failed to cache block", "height", block.Height, "error", err)
		return w.requeue(ctx, e)
	}
	merged, err := w.repo.AddOrUpdateTransaction(ctx, receipt)
	if err != nil {
		w.log.Warn("Failed to cache receipt", "hash", e.Hash, "error", err)
		return w.requeue(ctx, e)
	}

	w.events.Publish(events.NewTransactionUpdated(merged))
	w.log.Info("Transaction settled", "network", e.Network.Key(), "hash", e.Hash, "status", merged.Status, "height", *tx.BlockHeight)
	return OutcomeResolved
}

// unresolved re-enqueues an account-based entry unless it outlived the
// lifetime, in which case the cached transaction, if any, is marked
// expired. Provider failures take this path too so that no entry is
// retried past its lifetime.
func (w *Worker) unresolved(ctx context.Context, e ledger.QueuedRetrieval) Outcome {
	if w.config.Now().Sub(e.FirstSeenAt) <= w.config.Lifetime {
		return w.requeue(ctx, e)
	}
	return w.expire(ctx, e)
}

func (w *Worker) expire(ctx context.Context, e ledger.QueuedRetrieval) Outcome {
	if _, err := w.repo.GetTransaction(ctx, e.Network, e.Hash); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			w.log.Info("Transaction retrieval expired", "network", e.Network.Key(), "hash", e.Hash, "first_seen", e.FirstSeenAt)
		} else {
			w.log.Warn("Failed to load expired transaction", "hash", e.Hash, "error", err)
		}
		return OutcomeExpired
	}

	merged, err := w.repo.AddOrUpdateTransaction(ctx, &ledger.Transaction{
		Network: e.Network,
		Hash:    e.Hash,
		Status:  ledger.TxStatusExpired,
	})
	if err != nil {
		w.log.Warn("Failed to mark transaction expired", "hash", e.Hash, "error", err)
		return OutcomeExpired
	}
	w.events.Publish(events.NewTransactionUpdated(merged))
	w.log.Info("Transaction retrieval expired", "network", e.Network.Key(), "hash", e.Hash, "first_seen", e.FirstSeenAt, "status", merged.Status)
	return OutcomeExpired
}

// processHeight resolves a height-based entry. The block is always cached
// before the transaction.
func (w *Worker) processHeight(ctx context.Context, p backend.HeightProvider, e ledger.QueuedRetrieval) Outcome {
	tx := e.Prefetched
	if tx == nil {
		fetched, err := p.GetTransaction(ctx, e.Hash)
		switch {
		case errors.Is(err, backend.ErrMalformedRemoteData):
			w.log.Warn("Skipping malformed transaction", "network", e.Network.Key(), "hash", e.Hash, "error", err)
			return OutcomeSkipped
		case errors.Is(err, backend.ErrTxNotFound):
			return w.unresolvedHeight(ctx, p, e)
		case err != nil:
			w.log.Debug("Transaction lookup failed", "network", e.Network.Key(), "hash", e.Hash, "error", err)
			return w.requeue(ctx, e)
		}
		tx = fetched
	}
	tx = tx.Clone()
	tx.Network = e.Network
	if tx.Hash == "" {
		tx.Hash = e.Hash
	}

	if tx.Mined() {
		block, err := w.ensureBlock(ctx, p, e.Network, *tx.BlockHeight)
		if errors.Is(err, backend.ErrMalformedRemoteData) {
			w.log.Warn("Skipping transaction with malformed block", "hash", e.Hash, "error", err)
			return OutcomeSkipped
		}
		if err != nil {
			w.log.Debug("Block not available yet", "hash", e.Hash, "height", *tx.BlockHeight, "error", err)
			return w.requeue(ctx, e)
		}
		if tx.Timestamp.IsZero() {
			tx.Timestamp = block.Timestamp
		}
	}

	merged, err := w.repo.AddOrUpdateTransaction(ctx, tx)
	if err != nil {
		w.log.Warn("Failed to cache transaction", "hash", e.Hash, "error", err)
		return w.requeue(ctx, e)
	}
	if !merged.Mined() {
		return w.unresolvedHeight(ctx, p, e)
	}

	w.events.Publish(events.NewTransactionUpdated(merged))
	w.log.Debug("Transaction settled", "network", e.Network.Key(), "hash", e.Hash, "status", merged.Status)
	return OutcomeResolved
}

// unresolvedHeight re-enqueues a height-based entry. Entries with a target
// height expire once the chain has passed it.
func (w *Worker) unresolvedHeight(ctx context.Context, p backend.HeightProvider, e ledger.QueuedRetrieval) Outcome {
	if e.TargetHeight > 0 {
		tip, err := p.LatestHeight(ctx)
		if err == nil && tip > e.TargetHeight {
			return w.expire(ctx, e)
		}
	}
	return w.requeue(ctx, e)
}

func (w *Worker) ensureBlock(ctx context.Context, p backend.HeightProvider, n chain.Network, height int64) (*ledger.Block, error) {
	cached, err := w.repo.GetBlock(ctx, n, height)
	if err == nil && cached.Hash != "" {
		return cached, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	block, err := p.GetBlock(ctx, backend.BlockTag(height))
	if err != nil {
		return nil, err
	}
	if err := w.repo.AddBlock(ctx, block); err != nil {
		return nil, err
	}
	return block, nil
}

// requeue puts e back with its original first-seen time.
func (w *Worker) requeue(ctx context.Context, e ledger.QueuedRetrieval) Outcome {
	if err := w.repo.QueueTransactionRetrieval(ctx, e); err != nil {
		w.log.Warn("Failed to requeue transaction", "network", e.Network.Key(), "hash", e.Hash, "error", err)
	}
	return OutcomeRequeued
}
