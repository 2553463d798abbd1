// Package history backfills asset transfers of tracked accounts.
//
// The loader is best-effort: failures are logged and retried on the next
// cycle, never surfaced.
package history

import (
	"context"
	"fmt"
	"sort"
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

// DefaultMessageTypes are the height-based message types treated as asset
// transfers. Bare actions are what older nodes report.
var DefaultMessageTypes = []string{
	"/cosmos.bank.v1beta1.MsgSend",
	"/cosmos.bank.v1beta1.MsgMultiSend",
	"/ibc.applications.transfer.v1.MsgTransfer",
	"send",
	"multisend",
	"transfer",
}

// Config configures the loader.
type Config struct {
	PollInterval time.Duration // How often all tracked accounts are synced

	// Account-based family.
	BlockWindow int64 // Blocks covered by one query
	SkipFromTip int64 // Recent blocks left alone
	MaxAttempts int   // Queries per cycle, halving the window each time

	// Height-based family.
	MaxTransfers int      // Transfers kept per cycle
	PageSize     int      // tx_search page size
	MessageTypes []string // Relevant message types

	Log *logging.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Minute,
		BlockWindow:  5000,
		SkipFromTip:  12,
		MaxAttempts:  3,
		MaxTransfers: 100,
		PageSize:     50,
		MessageTypes: DefaultMessageTypes,
	}
}

// Providers gives access to the per-network providers. *backend.Registry
// implements it.
type Providers interface {
	Account(n chain.Network) (backend.AccountProvider, error)
	Height(n chain.Network) (backend.HeightProvider, error)
}

// Enqueuer accepts transactions for retrieval. *retrieval.Worker
// implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, n chain.Network, hash string, prefetched *ledger.Transaction, targetHeight int64) error
}

// Loader runs the periodic backfill.
type Loader struct {
	repo      ledger.Repository
	providers Providers
	queue     Enqueuer
	events    events.Publisher
	config    Config
	msgTypes  map[string]bool
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoader creates a history loader.
func NewLoader(repo ledger.Repository, providers Providers, queue Enqueuer, pub events.Publisher, cfg Config) *Loader {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BlockWindow <= 0 {
		cfg.BlockWindow = def.BlockWindow
	}
	if cfg.SkipFromTip < 0 {
		cfg.SkipFromTip = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxTransfers <= 0 {
		cfg.MaxTransfers = def.MaxTransfers
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if len(cfg.MessageTypes) == 0 {
		cfg.MessageTypes = def.MessageTypes
	}
	if cfg.Log == nil {
		cfg.Log = logging.GetDefault().Component("history")
	}
	if pub == nil {
		pub = events.Nop{}
	}

	msgTypes := make(map[string]bool, len(cfg.MessageTypes))
	for _, t := range cfg.MessageTypes {
		msgTypes[t] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		repo:      repo,
		providers: providers,
		queue:     queue,
		events:    pub,
		config:    cfg,
		msgTypes:  msgTypes,
		log:       cfg.Log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the backfill loop. The first cycle runs immediately.
func (l *Loader) Start() {
	l.wg.Add(1)
	go l.run()
	l.log.Info("History loader started", "poll_interval", l.config.PollInterval)
}

// Stop stops the loop and waits for an in-flight cycle to finish.
func (l *Loader) Stop() {
	l.cancel()
	l.wg.Wait()
	l.log.Info("History loader stopped")
}

func (l *Loader) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		l.SyncAll(context.WithoutCancel(l.ctx))
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncAll runs one cycle over every tracked account. Networks run in
// parallel, accounts of one network in order.
func (l *Loader) SyncAll(ctx context.Context) {
	accounts, err := l.repo.GetAccountsToTrack(ctx)
	if err != nil {
		l.log.Warn("Failed to load tracked accounts", "error", err)
		return
	}

	var order []string
	groups := make(map[string][]chain.TrackedAccount)
	for _, a := range accounts {
		key := a.Network.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], a)
	}

	var g errgroup.Group
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			for _, a := range group {
				if _, err := l.SyncAccount(ctx, a); err != nil {
					l.log.Warn("History sync failed", "account", a.Key(), "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// SyncAccount backfills one account and returns the transfers found,
// newest first.
func (l *Loader) SyncAccount(ctx context.Context, a chain.TrackedAccount) ([]*ledger.Transaction, error) {
	switch a.Network.Family {
	case chain.AccountBased:
		p, err := l.providers.Account(a.Network)
		if err != nil {
			return nil, err
		}
		return l.syncAccountBased(ctx, p, a)
	case chain.HeightBased:
		p, err := l.providers.Height(a.Network)
		if err != nil {
			return nil, err
		}
		return l.syncHeightBased(ctx, p, a)
	default:
		return nil, fmt.Errorf("unsupported network family %s", a.Network.Family)
	}
}

// syncAccountBased queries [tip-skip-window, tip-skip] for a new account.
// With a cursor it resumes at the block after the cursor and covers at most
// one window per cycle, so an account behind the tip catches up over
// several cycles without leaving holes. Each failure halves the range.
// Halving keeps the start of the range when continuing a cursor so
// coverage stays contiguous, and keeps the most recent blocks otherwise.
func (l *Loader) syncAccountBased(ctx context.Context, p backend.AccountProvider, a chain.TrackedAccount) ([]*ledger.Transaction, error) {
	tip, err := p.LatestHeight(ctx)
	if err != nil {
		return nil, err
	}
	newest, hasCursor, err := l.repo.NewestLookup(ctx, a)
	if err != nil {
		return nil, err
	}

	to := tip - l.config.SkipFromTip
	var from int64
	if hasCursor {
		from = newest + 1
		if to-from > l.config.BlockWindow {
			to = from + l.config.BlockWindow
		}
	} else {
		from = max(to-l.config.BlockWindow, 0)
	}
	if to < from {
		metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "covered").Inc()
		return nil, nil
	}

	span := to - from
	var lastErr error
	for attempt := 0; attempt < l.config.MaxAttempts; attempt++ {
		width := span >> attempt
		lo, hi := to-width, to
		if hasCursor {
			lo, hi = from, from+width
		}

		txs, err := p.FilterTransfers(ctx, a.Address, lo, hi)
		if err != nil {
			metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "failed").Inc()
			l.log.Debug("Transfer query failed, halving range", "account", a.Key(), "from", lo, "to", hi, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}
		metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "ok").Inc()

		if err := l.repo.RecordAssetTransferLookup(ctx, a, lo, hi); err != nil {
			return nil, err
		}
		sortDescending(txs)
		l.found(ctx, a, txs)
		return txs, nil
	}

	metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "gave_up").Inc()
	l.log.Debug("Giving up transfer query for this cycle", "account", a.Key(), "error", lastErr)
	return nil, nil
}

// syncHeightBased fetches the most recent transfers when the account has
// no cursor and the delta above the cursor otherwise. Deltas are walked
// oldest first so a capped delta is recorded only as far as it is
// complete.
func (l *Loader) syncHeightBased(ctx context.Context, p backend.HeightProvider, a chain.TrackedAccount) ([]*ledger.Transaction, error) {
	tip, err := p.LatestHeight(ctx)
	if err != nil {
		return nil, err
	}
	newest, hasCursor, err := l.repo.NewestLookup(ctx, a)
	if err != nil {
		return nil, err
	}

	q := backend.TransferQuery{Limit: l.config.MaxTransfers, PageSize: l.config.PageSize}
	if hasCursor {
		if tip <= newest {
			metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "covered").Inc()
			return nil, nil
		}
		q.MinHeight, q.MaxHeight = newest+1, tip
		q.OldestFirst = true
	}

	page, err := p.SearchTransfers(ctx, a.Address, q)
	if err != nil {
		metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "failed").Inc()
		return nil, err
	}
	metrics.BackfillAttempts.WithLabelValues(a.Network.Key(), "ok").Inc()

	// A delta cut off by the cap only covers what it returned; the next
	// cycle continues above it.
	results := dedupe(page.Transfers)
	lo, hi := tip, tip
	switch {
	case hasCursor:
		lo, hi = q.MinHeight, min(page.Through, q.MaxHeight)
		if hi < lo {
			hi = lo
		}
	case len(results) > 0:
		lo, hi = heightRange(results)
	}
	if err := l.repo.RecordAssetTransferLookup(ctx, a, lo, hi); err != nil {
		return nil, err
	}

	var transfers []*ledger.Transaction
	for _, tx := range results {
		if l.relevant(tx) {
			transfers = append(transfers, tx)
		}
	}
	sortDescending(transfers)
	if len(transfers) > l.config.MaxTransfers {
		transfers = transfers[:l.config.MaxTransfers]
	}

	l.found(ctx, a, transfers)
	return transfers, nil
}

// found queues transfers for retrieval and announces them.
func (l *Loader) found(ctx context.Context, a chain.TrackedAccount, txs []*ledger.Transaction) {
	if len(txs) == 0 {
		return
	}
	for _, tx := range txs {
		var prefetched *ledger.Transaction
		if a.Network.Family == chain.HeightBased {
			prefetched = tx
		}
		if err := l.queue.Enqueue(ctx, a.Network, tx.Hash, prefetched, 0); err != nil {
			l.log.Warn("Failed to queue transfer", "account", a.Key(), "hash", tx.Hash, "error", err)
		}
	}
	metrics.TransfersFound.WithLabelValues(a.Network.Key()).Add(float64(len(txs)))
	l.events.Publish(events.NewAssetTransfersFound(a, txs))
	l.log.Info("Asset transfers found", "account", a.Key(), "count", len(txs))
}

// relevant reports whether tx carries a transfer message. Transactions
// without message types are kept.
func (l *Loader) relevant(tx *ledger.Transaction) bool {
	if len(tx.MsgTypes) == 0 {
		return true
	}
	for _, t := range tx.MsgTypes {
		if l.msgTypes[t] {
			return true
		}
	}
	return false
}

func dedupe(txs []*ledger.Transaction) []*ledger.Transaction {
	seen := make(map[string]bool, len(txs))
	out := txs[:0:0]
	for _, tx := range txs {
		if seen[tx.Hash] {
			continue
		}
		seen[tx.Hash] = true
		out = append(out, tx)
	}
	return out
}

func heightOf(tx *ledger.Transaction) int64 {
	if tx.BlockHeight == nil {
		return 0
	}
	return *tx.BlockHeight
}

func heightRange(txs []*ledger.Transaction) (lo, hi int64) {
	lo, hi = heightOf(txs[0]), heightOf(txs[0])
	for _, tx := range txs[1:] {
		h := heightOf(tx)
		if h < lo {
			lo = h
		}
		if h > hi {
			hi = h
		}
	}
	return lo, hi
}

func sortDescending(txs []*ledger.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return heightOf(txs[i]) > heightOf(txs[j])
	})
}
