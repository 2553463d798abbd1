package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

// NetworkConfig describes how to reach one network.
type NetworkConfig struct {
	Network chain.Network
	// Transports are tried in order. Account-based networks may mix
	// ws(s):// and http(s):// endpoints; height-based networks use the
	// first entry as their CometBFT RPC endpoint.
	Transports []string
	// RESTURL is the Cosmos SDK REST (LCD) base URL for height-based
	// balance queries.
	RESTURL   string
	RateLimit RateLimit
}

// Options holds settings shared by every provider.
type Options struct {
	Quarantine   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	Log          *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Quarantine <= 0 {
		o.Quarantine = DefaultQuarantine
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Log == nil {
		o.Log = logging.GetDefault().Component("backend")
	}
	return o
}

// Factory builds a provider from its configuration.
type Factory func(cfg NetworkConfig, opts Options) (Provider, error)

// DefaultFactory builds an EVMProvider or CometProvider by family.
func DefaultFactory(cfg NetworkConfig, opts Options) (Provider, error) {
	switch cfg.Network.Family {
	case chain.AccountBased:
		return NewEVMProvider(cfg, opts)
	case chain.HeightBased:
		return NewCometProvider(cfg, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported family for %s", ErrUnknownNetwork, cfg.Network.Key())
	}
}

// Registry holds one provider per network, built lazily from
// configuration.
type Registry struct {
	mu        sync.Mutex
	configs   map[string]NetworkConfig
	providers map[string]Provider
	opts      Options
	factory   Factory
}

// NewRegistry creates a registry for the given network configurations. A
// nil factory selects DefaultFactory.
func NewRegistry(configs []NetworkConfig, opts Options, factory Factory) *Registry {
	if factory == nil {
		factory = DefaultFactory
	}
	r := &Registry{
		configs:   make(map[string]NetworkConfig),
		providers: make(map[string]Provider),
		opts:      opts.withDefaults(),
		factory:   factory,
	}
	for _, cfg := range configs {
		r.configs[cfg.Network.Key()] = cfg
	}
	return r
}

// Register installs a ready-made provider, replacing any existing one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.Network().Key()
	if old, ok := r.providers[key]; ok && old != p {
		old.Close()
	}
	r.providers[key] = p
}

// Get returns the provider for n, building it on first use.
func (r *Registry) Get(n chain.Network) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[n.Key()]; ok {
		return p, nil
	}
	return r.buildLocked(n)
}

func (r *Registry) buildLocked(n chain.Network) (Provider, error) {
	cfg, ok := r.configs[n.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, n.Key())
	}
	p, err := r.factory(cfg, r.opts)
	if err != nil {
		return nil, err
	}
	r.providers[n.Key()] = p
	return p, nil
}

// Account returns the account-based provider for n.
func (r *Registry) Account(n chain.Network) (AccountProvider, error) {
	p, err := r.Get(n)
	if err != nil {
		return nil, err
	}
	ap, ok := p.(AccountProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not account-based", ErrNotSupported, n.Key())
	}
	return ap, nil
}

// Height returns the height-based provider for n.
func (r *Registry) Height(n chain.Network) (HeightProvider, error) {
	p, err := r.Get(n)
	if err != nil {
		return nil, err
	}
	hp, ok := p.(HeightProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not height-based", ErrNotSupported, n.Key())
	}
	return hp, nil
}

// Reconfigure closes the provider for n and builds a fresh one from
// configuration. Callers release their subscriptions first. Providers of
// other networks are untouched.
func (r *Registry) Reconfigure(_ context.Context, n chain.Network) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.providers[n.Key()]; ok {
		old.Close()
		delete(r.providers, n.Key())
	}
	return r.buildLocked(n)
}

// Networks returns the configured networks sorted by key.
func (r *Registry) Networks() []chain.Network {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chain.Network, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg.Network)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Lookup returns the configured network with the given key.
func (r *Registry) Lookup(key string) (chain.Network, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[key]
	return cfg.Network, ok
}

// CloseAll closes every built provider.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.providers {
		p.Close()
		delete(r.providers, key)
	}
}
