package chain

// TrackedAccount is an (address, network) pair the engine keeps in sync.
// Address is always in the network's normalised form.
type TrackedAccount struct {
	Address string  `json:"address"`
	Network Network `json:"network"`
}

// NewTrackedAccount normalises address for the network.
func NewTrackedAccount(n Network, address string) (TrackedAccount, error) {
	normalized, err := NormalizeAddress(n, address)
	if err != nil {
		return TrackedAccount{}, err
	}
	return TrackedAccount{Address: normalized, Network: n}, nil
}

// Key returns a stable identifier for the account.
func (a TrackedAccount) Key() string {
	return a.Network.Key() + "/" + a.Address
}
