package chain

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func testBech32(t *testing.T, hrp string, payload []byte) string {
	t.Helper()
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits: %v", err)
	}
	addr, err := bech32.Encode(hrp, conv)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return addr
}

func TestBuiltinNetworksRegistered(t *testing.T) {
	for _, n := range []Network{Ethereum, Sepolia, BSC, Polygon, Arbitrum, CosmosHub, Osmosis, Kujira} {
		got, ok := Get(n.Key())
		if !ok {
			t.Errorf("%s should be registered", n.Key())
			continue
		}
		if err := got.Validate(); err != nil {
			t.Errorf("%s: Validate() = %v", n.Key(), err)
		}
	}
}

func TestNetworkIdentity(t *testing.T) {
	renamed := Ethereum
	renamed.Name = "Mainnet"
	if !Ethereum.Equal(renamed) {
		t.Error("networks with the same family and chain id should be equal")
	}

	other := Network{Family: HeightBased, ChainID: "1"}
	if Ethereum.Equal(other) {
		t.Error("networks of different families must not be equal")
	}
	if Ethereum.Key() == other.Key() {
		t.Errorf("keys collide: %s", Ethereum.Key())
	}
}

func TestLookup(t *testing.T) {
	n, ok := Lookup(HeightBased, "cosmoshub-4")
	if !ok {
		t.Fatal("cosmoshub-4 should be registered")
	}
	if n.AddressPrefix != "cosmos" {
		t.Errorf("AddressPrefix = %s, want cosmos", n.AddressPrefix)
	}
	if _, ok := Lookup(AccountBased, "cosmoshub-4"); ok {
		t.Error("cosmoshub-4 is not account-based")
	}
}

func TestListByFamily(t *testing.T) {
	for _, n := range ListByFamily(HeightBased) {
		if n.Family != HeightBased {
			t.Errorf("%s listed as height-based", n.Key())
		}
	}
	if len(ListByFamily(AccountBased)) < 5 {
		t.Error("expected at least five account-based networks")
	}
}

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in   string
		want Family
		err  bool
	}{
		{"account", AccountBased, false},
		{"EVM", AccountBased, false},
		{"height", HeightBased, false},
		{"cosmos", HeightBased, false},
		{"utxo", FamilyUnknown, true},
	}
	for _, tt := range tests {
		got, err := ParseFamily(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseFamily(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFamily(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEVMChainID(t *testing.T) {
	id, err := Polygon.EVMChainID()
	if err != nil {
		t.Fatalf("EVMChainID: %v", err)
	}
	if id.Int64() != 137 {
		t.Errorf("chain id = %d, want 137", id.Int64())
	}
	if _, err := CosmosHub.EVMChainID(); err == nil {
		t.Error("height-based network should not have an EVM chain id")
	}
}

func TestNormalizeAddressAccountBased(t *testing.T) {
	mixed := "0x52908400098527886E0F7030069857D2E4169EE7"
	got, err := NormalizeAddress(Ethereum, mixed)
	if err != nil {
		t.Fatalf("NormalizeAddress: %v", err)
	}
	if got != strings.ToLower(mixed) {
		t.Errorf("got %s, want %s", got, strings.ToLower(mixed))
	}

	if _, err := NormalizeAddress(Ethereum, "0x1234"); err == nil {
		t.Error("short address should be rejected")
	}
}

func TestNormalizeAddressHeightBased(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 20)
	addr := testBech32(t, "cosmos", payload)

	got, err := NormalizeAddress(CosmosHub, strings.ToUpper(addr))
	if err != nil {
		t.Fatalf("NormalizeAddress: %v", err)
	}
	if got != addr {
		t.Errorf("got %s, want %s", got, addr)
	}

	osmo := testBech32(t, "osmo", payload)
	if _, err := NormalizeAddress(CosmosHub, osmo); err == nil {
		t.Error("address with foreign prefix should be rejected")
	}
	if _, err := NormalizeAddress(CosmosHub, "cosmos1notvalid"); err == nil {
		t.Error("invalid checksum should be rejected")
	}
}

func TestNormalizeHash(t *testing.T) {
	if got := NormalizeHash(Ethereum, "0xABCDEF"); got != "0xabcdef" {
		t.Errorf("account-based hash = %s", got)
	}
	if got := NormalizeHash(Ethereum, "abcdef"); got != "0xabcdef" {
		t.Errorf("account-based hash without prefix = %s", got)
	}
	if got := NormalizeHash(CosmosHub, "0xabcdef"); got != "ABCDEF" {
		t.Errorf("height-based hash = %s", got)
	}
}

func TestTrackedAccountKey(t *testing.T) {
	a, err := NewTrackedAccount(Ethereum, "0x52908400098527886E0F7030069857D2E4169EE7")
	if err != nil {
		t.Fatalf("NewTrackedAccount: %v", err)
	}
	want := "account:1/0x52908400098527886e0f7030069857d2e4169ee7"
	if a.Key() != want {
		t.Errorf("Key() = %s, want %s", a.Key(), want)
	}
}

func TestTxRequestWithNonce(t *testing.T) {
	req := &TxRequest{Network: Ethereum, Data: []byte{1, 2}}
	withNonce := req.WithNonce(7)
	if req.Nonce != nil {
		t.Error("WithNonce must not mutate the receiver")
	}
	if withNonce.Nonce == nil || *withNonce.Nonce != 7 {
		t.Errorf("nonce = %v, want 7", withNonce.Nonce)
	}
	withNonce.Data[0] = 9
	if req.Data[0] != 1 {
		t.Error("Clone should copy data")
	}
}

func TestDefaultSigningMethod(t *testing.T) {
	if DefaultSigningMethod(AccountBased) != SignTransaction {
		t.Error("account-based default should be SignTransaction")
	}
	if DefaultSigningMethod(HeightBased) != SignDirect {
		t.Error("height-based default should be SignDirect")
	}
}
