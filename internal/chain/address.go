package chain

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates an address for the network and returns its
// canonical form: lower-case 0x hex for account-based networks, lower-case
// bech32 for height-based ones.
func NormalizeAddress(n Network, address string) (string, error) {
	address = strings.TrimSpace(address)
	switch n.Family {
	case AccountBased:
		if !common.IsHexAddress(address) {
			return "", fmt.Errorf("invalid address %q for %s", address, n.Key())
		}
		return strings.ToLower(common.HexToAddress(address).Hex()), nil
	case HeightBased:
		hrp, data, err := bech32.Decode(address)
		if err != nil {
			return "", fmt.Errorf("invalid address %q for %s: %w", address, n.Key(), err)
		}
		if hrp != n.AddressPrefix {
			return "", fmt.Errorf("address %q has prefix %q, want %q", address, hrp, n.AddressPrefix)
		}
		if len(data) == 0 {
			return "", fmt.Errorf("address %q has empty payload", address)
		}
		return strings.ToLower(address), nil
	default:
		return "", fmt.Errorf("unsupported family for %s", n.Key())
	}
}

// NormalizeHash returns the canonical transaction hash form for the
// network: 0x-prefixed lower-case for account-based networks, upper-case
// without prefix for height-based ones (as CometBFT reports them).
func NormalizeHash(n Network, hash string) string {
	hash = strings.TrimSpace(hash)
	switch n.Family {
	case AccountBased:
		hash = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(hash, "0x"), "0X"))
		return "0x" + hash
	case HeightBased:
		return strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(hash, "0x"), "0X"))
	default:
		return hash
	}
}
