// Package nonce allocates transaction nonces for account-based networks.
//
// State is kept in memory per (chain, address) and rebuilt lazily from the
// chain's confirmed transaction count. Release does not protect against
// another wallet instance reusing a released nonce.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/metrics"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// ErrNonceUnsupported is returned for networks that have no account nonce.
var ErrNonceUnsupported = errors.New("nonce allocation not supported for network family")

// CountSource returns the confirmed transaction count of an address.
type CountSource interface {
	TransactionCount(ctx context.Context, n chain.Network, address string) (uint64, error)
}

// RegistrySource reads counts from the account provider of each network.
type RegistrySource struct {
	Registry *backend.Registry
}

// TransactionCount implements CountSource.
func (s RegistrySource) TransactionCount(ctx context.Context, n chain.Network, address string) (uint64, error) {
	p, err := s.Registry.Account(n)
	if err != nil {
		return 0, err
	}
	return p.TransactionCount(ctx, address)
}

type stateKey struct {
	chainID string
	address string
}

// state is the allocation record of one address. mu is held across the
// remote count query so allocations for one address are serialised.
type state struct {
	mu   sync.Mutex
	last int64 // -1 when nothing is allocated
}

// Allocator hands out nonces.
type Allocator struct {
	source CountSource
	log    *logging.Logger

	mu     sync.Mutex
	states map[stateKey]*state
}

// New creates an allocator reading confirmed counts from source.
func New(source CountSource, log *logging.Logger) *Allocator {
	if log == nil {
		log = logging.GetDefault().Component("nonce")
	}
	return &Allocator{
		source: source,
		log:    log,
		states: make(map[stateKey]*state),
	}
}

func (a *Allocator) state(n chain.Network, address string) (*state, error) {
	if n.Family != chain.AccountBased {
		return nil, fmt.Errorf("%w: %s", ErrNonceUnsupported, n.Key())
	}
	addr, err := chain.NormalizeAddress(n, address)
	if err != nil {
		return nil, err
	}

	key := stateKey{chainID: n.ChainID, address: addr}
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[key]
	if !ok {
		s = &state{last: -1}
		a.states[key] = s
	}
	return s, nil
}

// PopulateNonce returns req with a nonce filled in. A request that already
// carries a nonce is returned unchanged.
func (a *Allocator) PopulateNonce(ctx context.Context, req *chain.TxRequest) (*chain.TxRequest, error) {
	if req.Nonce != nil {
		return req, nil
	}
	s, err := a.state(req.Network, req.From)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := a.source.TransactionCount(ctx, req.Network, req.From)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction count: %w", err)
	}

	next := int64(count)
	if s.last+1 > next {
		next = s.last + 1
	}
	s.last = next

	metrics.NonceAllocations.WithLabelValues(req.Network.Key()).Inc()
	a.log.Debug("Allocated nonce", "network", req.Network.Key(), "from", req.From, "nonce", next, "confirmed", count)
	return req.WithNonce(uint64(next)), nil
}

// ReleaseNonce returns the nonce of a transaction that was never broadcast.
// Releasing the most recent nonce steps back by one; releasing an older one
// rewinds to just below it, treating everything after it as free. Releasing
// a nonce above the last allocation does nothing.
func (a *Allocator) ReleaseNonce(req *chain.TxRequest) error {
	if req.Nonce == nil {
		return nil
	}
	s, err := a.state(req.Network, req.From)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	released := int64(*req.Nonce)
	switch {
	case s.last < 0 || released > s.last:
		return nil
	case released == s.last:
		s.last--
	default:
		s.last = released - 1
	}

	metrics.NonceReleases.WithLabelValues(req.Network.Key()).Inc()
	a.log.Debug("Released nonce", "network", req.Network.Key(), "from", req.From, "nonce", released, "last", s.last)
	return nil
}

// Observe records a nonce seen on the network, e.g. from a pending
// transaction sent by another client. It only ever raises the state.
func (a *Allocator) Observe(n chain.Network, address string, nonce uint64) error {
	s, err := a.state(n, address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(nonce) > s.last {
		s.last = int64(nonce)
	}
	return nil
}

// Last returns the last allocated nonce for an address, if any.
func (a *Allocator) Last(n chain.Network, address string) (uint64, bool) {
	s, err := a.state(n, address)
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last < 0 {
		return 0, false
	}
	return uint64(s.last), true
}
