// Package coordinator is the public surface of the engine. It tracks
// accounts, prepares and broadcasts transactions, serves cached chain data
// and runs the periodic workers that keep the cache in sync.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/internal/signer"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// ErrBroadcastRejected is returned when the provider refuses a signed
// transaction. The nonce has been released by the time it is returned.
var ErrBroadcastRejected = errors.New("broadcast rejected")

// DefaultGasLimit is used when gas estimation predicts a revert.
const DefaultGasLimit uint64 = 21000

// Providers resolves the provider of a network. *backend.Registry
// implements it.
type Providers interface {
	Get(n chain.Network) (backend.Provider, error)
	Account(n chain.Network) (backend.AccountProvider, error)
}

// NonceAllocator hands out and takes back nonces. *nonce.Allocator
// implements it.
type NonceAllocator interface {
	PopulateNonce(ctx context.Context, req *chain.TxRequest) (*chain.TxRequest, error)
	ReleaseNonce(req *chain.TxRequest) error
}

// Tracker accepts transactions for confirmation tracking.
// *retrieval.Worker implements it.
type Tracker interface {
	Enqueue(ctx context.Context, n chain.Network, hash string, prefetched *ledger.Transaction, targetHeight int64) error
}

// Backfiller loads the transfer history of one account.
// *history.Loader implements it.
type Backfiller interface {
	SyncAccount(ctx context.Context, a chain.TrackedAccount) ([]*ledger.Transaction, error)
}

// Activator keeps the live feeds of the active account.
// *subscription.Manager implements it.
type Activator interface {
	Activate(ctx context.Context, a chain.TrackedAccount) error
	Deactivate()
	Active() (chain.TrackedAccount, bool)
	Close()
}

// Service is a periodic worker started and stopped with the coordinator.
type Service interface {
	Start()
	Stop()
}

// Config wires the coordinator's collaborators. Backfill, Subscriptions
// and Services are optional.
type Config struct {
	Repo          ledger.Repository
	Providers     Providers
	Nonces        NonceAllocator
	Signer        signer.Signer
	Queue         Tracker
	Backfill      Backfiller
	Subscriptions Activator
	Events        events.Publisher
	Services      []Service

	DefaultGasLimit uint64

	Log *logging.Logger
	Now func() time.Time
}

// Coordinator is the engine facade.
type Coordinator struct {
	repo      ledger.Repository
	providers Providers
	nonces    NonceAllocator
	signer    signer.Signer
	queue     Tracker
	backfill  Backfiller
	subs      Activator
	events    events.Publisher
	services  []Service
	gasLimit  uint64
	log       *logging.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Signer == nil {
		cfg.Signer = signer.Unavailable{}
	}
	if cfg.DefaultGasLimit == 0 {
		cfg.DefaultGasLimit = DefaultGasLimit
	}
	if cfg.Log == nil {
		cfg.Log = logging.GetDefault().Component("coordinator")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		repo:      cfg.Repo,
		providers: cfg.Providers,
		nonces:    cfg.Nonces,
		signer:    cfg.Signer,
		queue:     cfg.Queue,
		backfill:  cfg.Backfill,
		subs:      cfg.Subscriptions,
		events:    cfg.Events,
		services:  cfg.Services,
		gasLimit:  cfg.DefaultGasLimit,
		log:       cfg.Log,
		now:       cfg.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the periodic workers.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	for _, s := range c.services {
		s.Start()
	}
	c.log.Info("Coordinator started", "services", len(c.services))
}

// Stop stops the workers, closes live subscriptions and waits for
// background syncs to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	for _, s := range c.services {
		s.Stop()
	}
	if c.subs != nil {
		c.subs.Close()
	}
	c.wg.Wait()
	c.log.Info("Coordinator stopped")
}

// AddAccount starts tracking address on n and kicks off a history sync in
// the background.
func (c *Coordinator) AddAccount(ctx context.Context, n chain.Network, address string) (chain.TrackedAccount, error) {
	if _, err := c.providers.Get(n); err != nil {
		return chain.TrackedAccount{}, err
	}
	a, err := chain.NewTrackedAccount(n, address)
	if err != nil {
		return chain.TrackedAccount{}, err
	}
	if err := c.repo.AddAccountToTrack(ctx, a); err != nil {
		return chain.TrackedAccount{}, fmt.Errorf("failed to store account: %w", err)
	}
	c.log.Info("Tracking account", "account", a.Key())

	if c.backfill != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.backfill.SyncAccount(c.ctx, a); err != nil {
				c.log.Debug("Initial history sync failed", "account", a.Key(), "error", err)
			}
		}()
	}
	return a, nil
}

// RemoveAccount stops tracking a. Cached history is kept. Removing the
// active account closes its live feeds.
func (c *Coordinator) RemoveAccount(ctx context.Context, a chain.TrackedAccount) error {
	normalized, err := chain.NewTrackedAccount(a.Network, a.Address)
	if err != nil {
		return err
	}
	if err := c.repo.RemoveAccountToTrack(ctx, normalized); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	if c.subs != nil {
		if active, ok := c.subs.Active(); ok && active.Key() == normalized.Key() {
			c.subs.Deactivate()
		}
	}
	c.log.Info("Stopped tracking account", "account", normalized.Key())
	return nil
}

// Accounts returns the tracked accounts.
func (c *Coordinator) Accounts(ctx context.Context) ([]chain.TrackedAccount, error) {
	return c.repo.GetAccountsToTrack(ctx)
}

// ActivateAccount makes a the account whose live feeds are open. The
// account must be tracked.
func (c *Coordinator) ActivateAccount(ctx context.Context, a chain.TrackedAccount) error {
	if c.subs == nil {
		return errors.New("subscriptions not configured")
	}
	normalized, err := chain.NewTrackedAccount(a.Network, a.Address)
	if err != nil {
		return err
	}
	tracked, err := c.repo.GetAccountsToTrack(ctx)
	if err != nil {
		return err
	}
	for _, t := range tracked {
		if t.Key() == normalized.Key() {
			return c.subs.Activate(ctx, normalized)
		}
	}
	return fmt.Errorf("account %s is not tracked", normalized.Key())
}

// RefreshBalances fetches the native balance of every tracked account and
// publishes them in one event. Accounts whose provider fails are left out;
// an error is returned only when every lookup failed.
func (c *Coordinator) RefreshBalances(ctx context.Context) ([]ledger.Balance, error) {
	accounts, err := c.repo.GetAccountsToTrack(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		balances []ledger.Balance
		errs     []error
	)
	for _, a := range accounts {
		wg.Add(1)
		go func(a chain.TrackedAccount) {
			defer wg.Done()
			b, err := c.balance(ctx, a)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("Balance lookup failed", "account", a.Key(), "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", a.Key(), err))
				return
			}
			balances = append(balances, b)
		}(a)
	}
	wg.Wait()

	if len(accounts) > 0 && len(balances) == 0 {
		return nil, errors.Join(errs...)
	}
	sortBalances(balances)
	if len(balances) > 0 {
		c.events.Publish(events.NewAccountsWithBalances(balances))
	}
	return balances, nil
}

func (c *Coordinator) balance(ctx context.Context, a chain.TrackedAccount) (ledger.Balance, error) {
	p, err := c.providers.Get(a.Network)
	if err != nil {
		return ledger.Balance{}, err
	}
	amount, err := p.GetBalance(ctx, a.Address)
	if err != nil {
		return ledger.Balance{}, err
	}
	return newBalance(a, amount, c.now()), nil
}

// PopulateTransaction fills in the nonce, gas limit and fees of an
// account-based request. A gas estimate that fails at the node sets
// UnpredictableGasLimit and falls back to the default limit. Height-based
// requests only get their sender normalised.
func (c *Coordinator) PopulateTransaction(ctx context.Context, req *chain.TxRequest) (*chain.TxRequest, error) {
	out, err := c.withDefaults(req)
	if err != nil {
		return nil, err
	}

	switch out.Network.Family {
	case chain.AccountBased:
		return c.populateAccount(ctx, out)
	case chain.HeightBased:
		if _, err := c.providers.Get(out.Network); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported family for %s", out.Network.Key())
	}
}

// withDefaults is the Requested state: caller input plus zero values.
func (c *Coordinator) withDefaults(req *chain.TxRequest) (*chain.TxRequest, error) {
	if req == nil {
		return nil, errors.New("nil transaction request")
	}
	out := req.Clone()
	from, err := chain.NormalizeAddress(out.Network, out.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	out.From = from
	if out.Network.Family == chain.AccountBased {
		if out.To != "" {
			to, err := chain.NormalizeAddress(out.Network, out.To)
			if err != nil {
				return nil, fmt.Errorf("invalid recipient: %w", err)
			}
			out.To = to
		}
		if out.Value == nil {
			out.Value = new(big.Int)
		}
	}
	return out, nil
}

func (c *Coordinator) populateAccount(ctx context.Context, req *chain.TxRequest) (*chain.TxRequest, error) {
	p, err := c.providers.Account(req.Network)
	if err != nil {
		return nil, err
	}

	allocated := req.Nonce == nil
	out, err := c.nonces.PopulateNonce(ctx, req)
	if err != nil {
		return nil, err
	}
	release := func() {
		if allocated {
			if err := c.nonces.ReleaseNonce(out); err != nil {
				c.log.Warn("Failed to release nonce", "error", err)
			}
		}
	}

	if out.GasLimit == 0 {
		gas, err := p.EstimateGas(ctx, out)
		switch {
		case err == nil:
			out.GasLimit = gas
		case errors.Is(err, backend.ErrProviderUnavailable) || ctx.Err() != nil:
			release()
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		default:
			c.log.Warn("Gas estimation failed, transaction may revert", "network", out.Network.Key(), "from", out.From, "error", err)
			out.UnpredictableGasLimit = true
			out.GasLimit = c.gasLimit
		}
	}

	if out.GasPrice == nil && out.MaxFeePerGas == nil {
		if err := c.populateFees(ctx, p, out); err != nil {
			release()
			return nil, err
		}
	}
	return out, nil
}

// populateFees prices the request as EIP-1559 when the latest block has a
// base fee and as a legacy transaction otherwise.
func (c *Coordinator) populateFees(ctx context.Context, p backend.AccountProvider, req *chain.TxRequest) error {
	suggested, err := p.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %w", err)
	}
	head, err := p.GetBlock(ctx, backend.TagLatest)
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}
	if head.BaseFee == nil {
		req.GasPrice = suggested
		return nil
	}

	tip := new(big.Int).Sub(suggested, head.BaseFee)
	if tip.Sign() < 0 {
		tip.SetInt64(0)
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	req.MaxPriorityFeePerGas = tip
	req.MaxFeePerGas = maxFee
	return nil
}

// SendTransaction populates, signs and broadcasts req. A rejected
// broadcast returns the cached failure together with ErrBroadcastRejected.
// A signing failure is returned as-is. Both release the nonce.
func (c *Coordinator) SendTransaction(ctx context.Context, req *chain.TxRequest, method chain.SigningMethod) (*ledger.Transaction, error) {
	flow := newFlow(c.now)
	res, err := c.send(ctx, flow, req, method)
	c.log.Debug("Transaction flow finished", "state", flow.State, "steps", len(flow.History))
	return res, err
}

func (c *Coordinator) send(ctx context.Context, flow *Flow, req *chain.TxRequest, method chain.SigningMethod) (*ledger.Transaction, error) {
	if err := flow.TransitionTo(StateNoncePending); err != nil {
		return nil, err
	}
	allocated := req != nil && req.Nonce == nil
	populated, err := c.PopulateTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	n := populated.Network
	if method == "" {
		method = chain.DefaultSigningMethod(n.Family)
	}
	release := func() {
		if allocated && n.Family == chain.AccountBased {
			if err := c.nonces.ReleaseNonce(populated); err != nil {
				c.log.Warn("Failed to release nonce", "error", err)
			}
		}
	}

	p, err := c.providers.Get(n)
	if err != nil {
		release()
		return nil, err
	}

	signed, err := c.signer.Sign(ctx, populated, method)
	if err != nil {
		release()
		countBroadcast(n, "signing_failed")
		c.log.Warn("Signing failed", "network", n.Key(), "from", populated.From, "error", err)
		return nil, err
	}
	if err := flow.TransitionTo(StateBroadcasting); err != nil {
		release()
		return nil, err
	}

	hash, sendErr := p.SendRaw(ctx, signed)
	if sendErr != nil {
		release()
		countBroadcast(n, "rejected")
		if err := flow.TransitionTo(StateBroadcastFailed); err != nil {
			return nil, err
		}

		failed := requestTransaction(populated, chain.NormalizeHash(n, signed.Hash))
		failed.Status = ledger.TxStatusBroadcastFailed
		failed.Error = sendErr.Error()
		failed.Timestamp = c.now()
		if cached, err := c.repo.AddOrUpdateTransaction(ctx, failed); err != nil {
			c.log.Warn("Failed to cache broadcast failure", "hash", failed.Hash, "error", err)
		} else {
			failed = cached
		}
		c.events.Publish(events.NewTransactionBroadcastFailed(failed, sendErr))
		c.log.Warn("Broadcast rejected", "network", n.Key(), "hash", failed.Hash, "error", sendErr)
		return failed, fmt.Errorf("%w: %w", ErrBroadcastRejected, sendErr)
	}

	if err := flow.TransitionTo(StatePending); err != nil {
		return nil, err
	}
	countBroadcast(n, "ok")

	if hash == "" {
		hash = signed.Hash
	}
	hash = chain.NormalizeHash(n, hash)
	if signed.Hash != "" && chain.NormalizeHash(n, signed.Hash) != hash {
		c.log.Warn("Node reported a different hash than the signer", "signed", signed.Hash, "reported", hash)
	}

	pending := ledger.PendingTransaction(requestTransaction(populated, hash), c.now())
	cached, err := c.repo.AddOrUpdateTransaction(ctx, pending)
	if err != nil {
		c.log.Warn("Failed to cache pending transaction", "hash", hash, "error", err)
		cached = pending
	}
	if err := c.queue.Enqueue(ctx, n, hash, nil, populated.TimeoutHeight); err != nil {
		c.log.Warn("Failed to queue transaction for confirmation", "hash", hash, "error", err)
	}
	c.events.Publish(events.NewTransactionBroadcast(cached))
	c.log.Info("Transaction broadcast", "network", n.Key(), "hash", hash, "nonce", nonceOf(populated))
	return cached, nil
}

// TransactionState returns the lifecycle state of a cached transaction.
func (c *Coordinator) TransactionState(ctx context.Context, n chain.Network, hash string) (TxState, error) {
	tx, err := c.repo.GetTransaction(ctx, n, chain.NormalizeHash(n, hash))
	if err != nil {
		return "", err
	}
	return StateFromStatus(tx.Status), nil
}

// TrackTransaction queues a transaction broadcast elsewhere for
// confirmation tracking. Settled transactions are not queued again.
func (c *Coordinator) TrackTransaction(ctx context.Context, n chain.Network, hash string, targetHeight int64) error {
	if _, err := c.providers.Get(n); err != nil {
		return err
	}
	hash = chain.NormalizeHash(n, hash)
	if tx, err := c.repo.GetTransaction(ctx, n, hash); err == nil && tx.Status.IsFinal() {
		return nil
	}
	return c.queue.Enqueue(ctx, n, hash, nil, targetHeight)
}

func countBroadcast(n chain.Network, outcome string) {
	metrics.BroadcastsTotal.WithLabelValues(n.Key(), outcome).Inc()
}

func nonceOf(req *chain.TxRequest) any {
	if req.Nonce == nil {
		return nil
	}
	return *req.Nonce
}

// requestTransaction is the cache view of a request that has a hash.
func requestTransaction(req *chain.TxRequest, hash string) *ledger.Transaction {
	tx := &ledger.Transaction{
		Network: req.Network,
		Hash:    hash,
		From:    req.From,
		To:      req.To,
		Memo:    req.Memo,
	}
	if req.Nonce != nil {
		tx.Nonce = ledger.Uint64(*req.Nonce)
	}
	if req.Value != nil {
		tx.Value = new(big.Int).Set(req.Value)
	}
	if req.GasLimit != 0 {
		tx.GasLimit = ledger.Uint64(req.GasLimit)
	}
	switch {
	case req.GasPrice != nil:
		tx.GasPrice = new(big.Int).Set(req.GasPrice)
	case req.MaxFeePerGas != nil:
		tx.GasPrice = new(big.Int).Set(req.MaxFeePerGas)
	}
	if len(req.Data) > 0 {
		tx.Data = append([]byte(nil), req.Data...)
	}
	return tx
}
