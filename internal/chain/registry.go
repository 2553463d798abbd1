package chain

import (
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Network)
)

// Register adds or replaces a network in the registry.
func Register(n Network) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[n.Key()] = n
}

// Get returns a registered network by key ("account:1", "height:cosmoshub-4").
func Get(key string) (Network, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	n, ok := registry[key]
	return n, ok
}

// Lookup returns a registered network by family and chain id.
func Lookup(f Family, chainID string) (Network, bool) {
	return Get(Network{Family: f, ChainID: chainID}.Key())
}

// List returns all registered networks sorted by key.
func List() []Network {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Network, 0, len(registry))
	for _, n := range registry {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ListByFamily returns registered networks of one family.
func ListByFamily(f Family) []Network {
	var out []Network
	for _, n := range List() {
		if n.Family == f {
			out = append(out, n)
		}
	}
	return out
}
