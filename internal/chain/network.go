// Package chain defines the networks the engine can talk to, the accounts it
// tracks on them and the transaction request shapes it moves around.
package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// Family is the structural family a network belongs to. Every decision that
// depends on it switches exhaustively over the known values.
type Family uint8

const (
	FamilyUnknown Family = iota
	// AccountBased chains authorise spends with a per-address nonce (EVM).
	AccountBased
	// HeightBased chains are tracked by block height and cursor-paged
	// transaction search (CometBFT / Cosmos SDK).
	HeightBased
)

// String returns the configuration name of the family.
func (f Family) String() string {
	switch f {
	case AccountBased:
		return "account"
	case HeightBased:
		return "height"
	default:
		return "unknown"
	}
}

// ParseFamily parses a family name. A few common aliases are accepted.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "account", "account-based", "evm":
		return AccountBased, nil
	case "height", "height-based", "cosmos", "comet", "tendermint":
		return HeightBased, nil
	default:
		return FamilyUnknown, fmt.Errorf("unknown network family %q", s)
	}
}

// Asset describes a network's native asset.
type Asset struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	// Denom is the on-chain denomination for height-based networks (e.g. "uatom").
	Denom string `json:"denom,omitempty"`
}

// Network identifies a chain. It is an immutable value; two networks are
// the same network iff family and chain identifier match.
type Network struct {
	Family  Family `json:"family"`
	ChainID string `json:"chain_id"`
	Name    string `json:"name"`
	Asset   Asset  `json:"asset"`

	// AddressPrefix is the bech32 human-readable part for height-based networks.
	AddressPrefix string `json:"address_prefix,omitempty"`

	// CoinType is the BIP-44 coin type used when deriving local keys.
	CoinType uint32 `json:"coin_type"`
}

// Key returns the canonical map key for the network.
func (n Network) Key() string {
	return n.Family.String() + ":" + n.ChainID
}

// Equal reports whether two networks identify the same chain.
func (n Network) Equal(other Network) bool {
	return n.Family == other.Family && n.ChainID == other.ChainID
}

// String implements fmt.Stringer.
func (n Network) String() string {
	if n.Name != "" {
		return n.Name + " (" + n.Key() + ")"
	}
	return n.Key()
}

// Validate checks that the network is usable.
func (n Network) Validate() error {
	if n.ChainID == "" {
		return fmt.Errorf("network %q: chain id required", n.Name)
	}
	switch n.Family {
	case AccountBased:
		if _, err := n.EVMChainID(); err != nil {
			return err
		}
	case HeightBased:
		if n.AddressPrefix == "" {
			return fmt.Errorf("network %s: address prefix required", n.Key())
		}
	default:
		return fmt.Errorf("network %q: unknown family", n.ChainID)
	}
	return nil
}

// EVMChainID returns the numeric chain id of an account-based network.
func (n Network) EVMChainID() (*big.Int, error) {
	if n.Family != AccountBased {
		return nil, fmt.Errorf("network %s is not account-based", n.Key())
	}
	id, ok := new(big.Int).SetString(n.ChainID, 0)
	if !ok || id.Sign() <= 0 {
		return nil, fmt.Errorf("network %s: invalid EVM chain id", n.Key())
	}
	return id, nil
}
