package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %s, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Retrieval.PollInterval != time.Minute || cfg.Retrieval.StartDelay != time.Minute {
		t.Errorf("Retrieval intervals = %v/%v, want 1m/1m", cfg.Retrieval.PollInterval, cfg.Retrieval.StartDelay)
	}
	if cfg.Retrieval.Lifetime != 10*time.Hour {
		t.Errorf("Retrieval.Lifetime = %v, want 10h", cfg.Retrieval.Lifetime)
	}
	if cfg.Retrieval.BatchSize != 20 {
		t.Errorf("Retrieval.BatchSize = %d, want 20", cfg.Retrieval.BatchSize)
	}
	if cfg.History.PollInterval != 5*time.Minute {
		t.Errorf("History.PollInterval = %v, want 5m", cfg.History.PollInterval)
	}
	if cfg.History.MaxTransfers != 100 {
		t.Errorf("History.MaxTransfers = %d, want 100", cfg.History.MaxTransfers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("Storage.DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}

	data, err := os.ReadFile(ConfigPath(dir))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# chaincoord daemon configuration") {
		t.Error("config file is missing its header")
	}
	if !strings.Contains(string(data), "lifetime: 10h0m0s") {
		t.Errorf("durations not written as strings:\n%s", data)
	}

	// A second load reads the file back.
	again, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(again.Networks) != len(cfg.Networks) {
		t.Errorf("got %d networks, want %d", len(again.Networks), len(cfg.Networks))
	}
	if again.Retrieval.Lifetime != 10*time.Hour {
		t.Errorf("Retrieval.Lifetime = %v, want 10h", again.Retrieval.Lifetime)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
storage:
  driver: memory
retrieval:
  poll_interval: 30s
  lifetime: 2h
history:
  block_window: 1000
networks:
  sepolia:
    family: account
    chain_id: "11155111"
    transports: ["https://rpc.sepolia.example"]
    rate_limit: {rps: 2, burst: 4}
  testhub:
    family: cosmos
    chain_id: theta-testnet-001
    name: Theta
    symbol: ATOM
    decimals: 6
    denom: uatom
    address_prefix: cosmos
    coin_type: 118
    transports: ["http://localhost:26657"]
    rest_url: http://localhost:1317/
active:
  network: sepolia
  address: "0x52908400098527886E0F7030069857D2E4169EE7"
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %s, want memory", cfg.Storage.Driver)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("Storage.DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}
	if cfg.Retrieval.PollInterval != 30*time.Second || cfg.Retrieval.Lifetime != 2*time.Hour {
		t.Errorf("Retrieval = %+v", cfg.Retrieval)
	}
	// Unset fields keep their defaults.
	if cfg.Retrieval.BatchSize != 20 {
		t.Errorf("Retrieval.BatchSize = %d, want 20", cfg.Retrieval.BatchSize)
	}
	if cfg.History.BlockWindow != 1000 || cfg.History.SkipFromTip != 12 {
		t.Errorf("History = %+v", cfg.History)
	}
	if len(cfg.Networks) != 2 {
		t.Fatalf("got %d networks, want 2 (file replaces defaults)", len(cfg.Networks))
	}

	backends, err := cfg.BackendConfigs()
	if err != nil {
		t.Fatalf("BackendConfigs() error = %v", err)
	}
	if len(backends) != 2 {
		t.Fatalf("got %d backends, want 2", len(backends))
	}
	sepolia := backends[0]
	if !sepolia.Network.Equal(chain.Sepolia) || sepolia.Network.Asset.Symbol != "ETH" {
		t.Errorf("sepolia network = %+v", sepolia.Network)
	}
	if sepolia.RateLimit.RPS != 2 || sepolia.RateLimit.Burst != 4 {
		t.Errorf("sepolia rate limit = %+v", sepolia.RateLimit)
	}
	hub := backends[1]
	if hub.Network.Family != chain.HeightBased || hub.Network.Name != "Theta" || hub.Network.AddressPrefix != "cosmos" {
		t.Errorf("testhub network = %+v", hub.Network)
	}
	if hub.RESTURL != "http://localhost:1317" {
		t.Errorf("RESTURL = %s, want trailing slash trimmed", hub.RESTURL)
	}

	a, ok, err := cfg.ActiveAccount()
	if err != nil || !ok {
		t.Fatalf("ActiveAccount() = %v, %v", ok, err)
	}
	if a.Address != "0x52908400098527886e0f7030069857d2e4169ee7" {
		t.Errorf("active address = %s, want normalised", a.Address)
	}
}

func TestBackendConfigsErrors(t *testing.T) {
	tests := []struct {
		name     string
		networks map[string]*NetworkConfig
	}{
		{"unknown family", map[string]*NetworkConfig{"x": {Family: "utxo", ChainID: "1", Transports: []string{"http://x"}}}},
		{"no transports", map[string]*NetworkConfig{"eth": {Family: "account", ChainID: "1"}}},
		{"bad chain id", map[string]*NetworkConfig{"eth": {Family: "account", ChainID: "mainnet", Transports: []string{"http://x"}}}},
		{"missing prefix", map[string]*NetworkConfig{"c": {Family: "height", ChainID: "unknown-1", Denom: "ux", Transports: []string{"http://x"}}}},
		{"missing denom", map[string]*NetworkConfig{"c": {Family: "height", ChainID: "unknown-1", AddressPrefix: "x", Transports: []string{"http://x"}}}},
		{"duplicate", map[string]*NetworkConfig{
			"a": {Family: "account", ChainID: "1", Transports: []string{"http://a"}},
			"b": {Family: "evm", ChainID: "1", Transports: []string{"http://b"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Networks = tt.networks
			if _, err := cfg.BackendConfigs(); err == nil {
				t.Error("BackendConfigs() expected error")
			}
		})
	}
}

func TestDisabledNetworkSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Networks["cosmoshub"].Disabled = true

	backends, err := cfg.BackendConfigs()
	if err != nil {
		t.Fatalf("BackendConfigs() error = %v", err)
	}
	if len(backends) != 1 || !backends[0].Network.Equal(chain.Ethereum) {
		t.Errorf("backends = %+v, want ethereum only", backends)
	}

	cfg.Active = &ActiveConfig{Network: "cosmoshub", Address: "cosmos1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5lzv7xu"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject a disabled active network")
	}
}

func TestValidateStorage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown driver")
	}
}

func TestSettingsConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History.MessageTypes = []string{"/cosmos.bank.v1beta1.MsgSend"}

	r := cfg.RetrievalSettings()
	if r.Lifetime != 10*time.Hour || r.BatchSize != 20 {
		t.Errorf("RetrievalSettings() = %+v", r)
	}
	h := cfg.HistorySettings()
	if h.BlockWindow != 5000 || len(h.MessageTypes) != 1 {
		t.Errorf("HistorySettings() = %+v", h)
	}
	p := cfg.ProviderOptions()
	if p.Quarantine != time.Minute || p.Timeout != 30*time.Second {
		t.Errorf("ProviderOptions() = %+v", p)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/.chaincoord"); got != filepath.Join(home, ".chaincoord") {
		t.Errorf("ExpandPath(~/.chaincoord) = %s", got)
	}
	if got := ExpandPath("/var/lib/x"); got != "/var/lib/x" {
		t.Errorf("ExpandPath(/var/lib/x) = %s", got)
	}
}
