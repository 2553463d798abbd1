// Package config loads the daemon configuration from <data-dir>/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/chain"
	"github.com/klingon-exchange/chaincoord/internal/history"
	"github.com/klingon-exchange/chaincoord/internal/retrieval"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds all configuration for the daemon.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	History   HistoryConfig   `yaml:"history"`
	Providers ProvidersConfig `yaml:"providers"`

	// Networks maps a local id ("ethereum", "cosmoshub") to how the
	// network is reached.
	Networks map[string]*NetworkConfig `yaml:"networks"`

	Signer SignerConfig `yaml:"signer"`

	// Active, when set, is activated at start.
	Active *ActiveConfig `yaml:"active,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// APIConfig holds JSON-RPC API settings.
type APIConfig struct {
	// Listen is the address the API listens on. Empty disables the API.
	Listen string `yaml:"listen"`
}

// RetrievalConfig configures the transaction retrieval queue.
type RetrievalConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StartDelay   time.Duration `yaml:"start_delay"`
	BatchSize    int           `yaml:"batch_size"`
	Lifetime     time.Duration `yaml:"lifetime"`
}

// HistoryConfig configures the asset transfer history loader.
type HistoryConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BlockWindow  int64         `yaml:"block_window"`
	SkipFromTip  int64         `yaml:"skip_from_tip"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxTransfers int           `yaml:"max_transfers"`
	PageSize     int           `yaml:"page_size"`
	MessageTypes []string      `yaml:"message_types,omitempty"`
}

// ProvidersConfig holds settings shared by every provider.
type ProvidersConfig struct {
	// Quarantine is how long a failed transport is skipped.
	Quarantine time.Duration `yaml:"quarantine"`

	// Timeout bounds a single call on one transport.
	Timeout time.Duration `yaml:"timeout"`

	// PollInterval is the new-heads polling period when no push
	// transport is available.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// NetworkConfig describes one network. For known chain ids only family,
// chain_id and transports are required.
type NetworkConfig struct {
	Family        string   `yaml:"family"`
	ChainID       string   `yaml:"chain_id"`
	Name          string   `yaml:"name,omitempty"`
	Symbol        string   `yaml:"symbol,omitempty"`
	Decimals      uint8    `yaml:"decimals,omitempty"`
	Denom         string   `yaml:"denom,omitempty"`
	AddressPrefix string   `yaml:"address_prefix,omitempty"`
	CoinType      uint32   `yaml:"coin_type,omitempty"`
	Transports    []string `yaml:"transports"`
	RESTURL       string   `yaml:"rest_url,omitempty"`

	RateLimit backend.RateLimit `yaml:"rate_limit"`

	// Disabled networks are kept in the file but not loaded.
	Disabled bool `yaml:"disabled,omitempty"`
}

// SignerConfig holds the local signer settings.
type SignerConfig struct {
	// MnemonicFile holds an encrypted keystore or a plain mnemonic. Empty
	// disables local signing.
	MnemonicFile string `yaml:"mnemonic_file"`

	// PasswordEnv names the environment variable holding the keystore
	// password.
	PasswordEnv string `yaml:"password_env"`

	Account uint32 `yaml:"account"`
	Index   uint32 `yaml:"index"`
}

// ActiveConfig names the account activated at start.
type ActiveConfig struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	ret := retrieval.DefaultConfig()
	hist := history.DefaultConfig()
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: "~/.chaincoord",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8645",
		},
		Retrieval: RetrievalConfig{
			PollInterval: ret.PollInterval,
			StartDelay:   ret.StartDelay,
			BatchSize:    ret.BatchSize,
			Lifetime:     ret.Lifetime,
		},
		History: HistoryConfig{
			PollInterval: hist.PollInterval,
			BlockWindow:  hist.BlockWindow,
			SkipFromTip:  hist.SkipFromTip,
			MaxAttempts:  hist.MaxAttempts,
			MaxTransfers: hist.MaxTransfers,
			PageSize:     hist.PageSize,
		},
		Providers: ProvidersConfig{
			Quarantine:   backend.DefaultQuarantine,
			Timeout:      backend.DefaultTimeout,
			PollInterval: backend.DefaultPollInterval,
		},
		Networks: map[string]*NetworkConfig{
			"ethereum": {
				Family:     chain.AccountBased.String(),
				ChainID:    chain.Ethereum.ChainID,
				Transports: []string{"wss://ethereum-rpc.publicnode.com", "https://ethereum-rpc.publicnode.com"},
				RateLimit:  backend.RateLimit{RPS: 10, Burst: 20},
			},
			"cosmoshub": {
				Family:     chain.HeightBased.String(),
				ChainID:    chain.CosmosHub.ChainID,
				Transports: []string{"https://cosmos-rpc.publicnode.com:443"},
				RESTURL:    "https://cosmos-rest.publicnode.com",
				RateLimit:  backend.RateLimit{RPS: 5, Burst: 10},
			},
		},
		Signer: SignerConfig{
			PasswordEnv: "CHAINCOORD_SIGNER_PASSWORD",
		},
	}
}

// Validate checks the configuration for mistakes that would only show up
// at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir required for sqlite")
	}

	networks, err := c.BackendConfigs()
	if err != nil {
		return err
	}
	a, ok, err := c.ActiveAccount()
	if err != nil {
		return err
	}
	if ok {
		for _, n := range networks {
			if n.Network.Equal(a.Network) {
				return nil
			}
		}
		return fmt.Errorf("active.network: network %q is disabled", c.Active.Network)
	}
	return nil
}

// ToNetwork builds the chain.Network described by n. Fields left empty
// are taken from the built-in definition of the same chain, if any.
func (n *NetworkConfig) ToNetwork() (chain.Network, error) {
	family, err := chain.ParseFamily(n.Family)
	if err != nil {
		return chain.Network{}, err
	}

	out, ok := chain.Lookup(family, n.ChainID)
	if !ok {
		out = chain.Network{Family: family, ChainID: n.ChainID}
	}
	if n.Name != "" {
		out.Name = n.Name
	}
	if n.Symbol != "" {
		out.Asset.Symbol = n.Symbol
	}
	if n.Decimals != 0 {
		out.Asset.Decimals = n.Decimals
	}
	if n.Denom != "" {
		out.Asset.Denom = n.Denom
	}
	if n.AddressPrefix != "" {
		out.AddressPrefix = n.AddressPrefix
	}
	if n.CoinType != 0 {
		out.CoinType = n.CoinType
	}

	if err := out.Validate(); err != nil {
		return chain.Network{}, err
	}
	if family == chain.HeightBased && out.Asset.Denom == "" {
		return chain.Network{}, fmt.Errorf("network %s: denom required", out.Key())
	}
	return out, nil
}

// BackendConfigs returns the provider configuration of every enabled
// network, sorted by id.
func (c *Config) BackendConfigs() ([]backend.NetworkConfig, error) {
	ids := make([]string, 0, len(c.Networks))
	for id := range c.Networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]string, len(ids))
	var out []backend.NetworkConfig
	for _, id := range ids {
		nc := c.Networks[id]
		if nc == nil || nc.Disabled {
			continue
		}
		n, err := nc.ToNetwork()
		if err != nil {
			return nil, fmt.Errorf("networks.%s: %w", id, err)
		}
		if len(nc.Transports) == 0 {
			return nil, fmt.Errorf("networks.%s: at least one transport required", id)
		}
		if other, dup := seen[n.Key()]; dup {
			return nil, fmt.Errorf("networks.%s: %s already configured as %s", id, n.Key(), other)
		}
		seen[n.Key()] = id

		out = append(out, backend.NetworkConfig{
			Network:    n,
			Transports: append([]string(nil), nc.Transports...),
			RESTURL:    strings.TrimRight(nc.RESTURL, "/"),
			RateLimit:  nc.RateLimit,
		})
	}
	return out, nil
}

// ActiveAccount resolves the account activated at start.
func (c *Config) ActiveAccount() (chain.TrackedAccount, bool, error) {
	if c.Active == nil {
		return chain.TrackedAccount{}, false, nil
	}
	nc, ok := c.Networks[c.Active.Network]
	if !ok {
		return chain.TrackedAccount{}, false, fmt.Errorf("active.network: unknown network %q", c.Active.Network)
	}
	n, err := nc.ToNetwork()
	if err != nil {
		return chain.TrackedAccount{}, false, err
	}
	a, err := chain.NewTrackedAccount(n, c.Active.Address)
	if err != nil {
		return chain.TrackedAccount{}, false, fmt.Errorf("active.address: %w", err)
	}
	return a, true, nil
}

// ProviderOptions returns the options shared by every provider.
func (c *Config) ProviderOptions() backend.Options {
	return backend.Options{
		Quarantine:   c.Providers.Quarantine,
		Timeout:      c.Providers.Timeout,
		PollInterval: c.Providers.PollInterval,
	}
}

// RetrievalSettings returns the retrieval worker configuration.
func (c *Config) RetrievalSettings() retrieval.Config {
	return retrieval.Config{
		PollInterval: c.Retrieval.PollInterval,
		StartDelay:   c.Retrieval.StartDelay,
		BatchSize:    c.Retrieval.BatchSize,
		Lifetime:     c.Retrieval.Lifetime,
	}
}

// HistorySettings returns the history loader configuration.
func (c *Config) HistorySettings() history.Config {
	return history.Config{
		PollInterval: c.History.PollInterval,
		BlockWindow:  c.History.BlockWindow,
		SkipFromTip:  c.History.SkipFromTip,
		MaxAttempts:  c.History.MaxAttempts,
		MaxTransfers: c.History.MaxTransfers,
		PageSize:     c.History.PageSize,
		MessageTypes: c.History.MessageTypes,
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// Networks in the file replace the defaults rather than merging with them.
	cfg.Networks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# chaincoord daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
