// Package main provides the chaincoordd daemon: the chain coordination
// engine behind a JSON-RPC API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/chaincoord/internal/backend"
	"github.com/klingon-exchange/chaincoord/internal/config"
	"github.com/klingon-exchange/chaincoord/internal/coordinator"
	"github.com/klingon-exchange/chaincoord/internal/events"
	"github.com/klingon-exchange/chaincoord/internal/history"
	"github.com/klingon-exchange/chaincoord/internal/ledger"
	"github.com/klingon-exchange/chaincoord/internal/nonce"
	"github.com/klingon-exchange/chaincoord/internal/retrieval"
	"github.com/klingon-exchange/chaincoord/internal/rpc"
	"github.com/klingon-exchange/chaincoord/internal/signer"
	"github.com/klingon-exchange/chaincoord/internal/storage"
	"github.com/klingon-exchange/chaincoord/internal/subscription"
	"github.com/klingon-exchange/chaincoord/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.chaincoord", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		storageKind = flag.String("storage", "", "Storage driver (sqlite, memory), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("chaincoordd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *apiAddr != "" {
		cfg.API.Listen = *apiAddr
	}
	if *storageKind != "" {
		cfg.Storage.Driver = *storageKind
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logOut, closeLog, err := logOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	if err := run(cfg, log); err != nil {
		log.Fatal("Daemon failed", "error", err)
	}
	log.Info("Goodbye!")
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeRepo, err := openRepository(cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	backendConfigs, err := cfg.BackendConfigs()
	if err != nil {
		return err
	}
	opts := cfg.ProviderOptions()
	opts.Log = log.Component("backend")
	registry := backend.NewRegistry(backendConfigs, opts, nil)
	defer registry.CloseAll()
	for _, n := range registry.Networks() {
		log.Info("Network configured", "network", n.String())
	}

	bus := events.NewBus(log.Component("events"))
	defer bus.Close()

	nonces := nonce.New(nonce.RegistrySource{Registry: registry}, log.Component("nonce"))
	worker := retrieval.NewWorker(repo, registry, bus, cfg.RetrievalSettings())
	loader := history.NewLoader(repo, registry, worker, bus, cfg.HistorySettings())
	subs := subscription.NewManager(subscription.Config{
		Providers: registry,
		Repo:      repo,
		Queue:     worker,
		Nonces:    nonces,
		Events:    bus,
		Log:       log.Component("subscription"),
	})

	sign, bridge, err := buildSigner(cfg, log)
	if err != nil {
		return err
	}
	if bridge != nil {
		defer bridge.Close()
	}

	coord := coordinator.New(coordinator.Config{
		Repo:          repo,
		Providers:     registry,
		Nonces:        nonces,
		Signer:        sign,
		Queue:         worker,
		Backfill:      loader,
		Subscriptions: subs,
		Events:        bus,
		Services:      []coordinator.Service{worker, loader},
		Log:           log.Component("coordinator"),
	})
	coord.Start()
	defer coord.Stop()

	if active, ok, err := cfg.ActiveAccount(); err != nil {
		return err
	} else if ok {
		if _, err := coord.AddAccount(ctx, active.Network, active.Address); err != nil {
			return fmt.Errorf("failed to track active account: %w", err)
		}
		if err := coord.ActivateAccount(ctx, active); err != nil {
			log.Warn("Failed to activate account", "account", active.Key(), "error", err)
		}
	}

	var server *rpc.Server
	if cfg.API.Listen != "" {
		server = rpc.NewServer(rpc.Config{
			Engine:   coord,
			Networks: registry,
			Bridge:   bridge,
			Bus:      bus,
			Log:      log.Component("rpc"),
		})
		if err := server.Start(cfg.API.Listen); err != nil {
			return fmt.Errorf("failed to start RPC server: %w", err)
		}
	}

	printBanner(log, cfg, registry, bridge != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	if server != nil {
		if err := server.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	return nil
}

func openRepository(cfg *config.Config, log *logging.Logger) (ledger.Repository, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		log.Warn("Using in-memory storage, the cache is lost on exit")
		return ledger.NewMemoryStore(), func() {}, nil
	default:
		store, err := storage.New(&storage.Config{DataDir: config.ExpandPath(cfg.Storage.DataDir)})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		log.Info("Storage initialized", "path", store.Path())
		return store, func() { store.Close() }, nil
	}
}

// buildSigner returns a local signer when a mnemonic file is configured,
// otherwise a bridge answered over RPC.
func buildSigner(cfg *config.Config, log *logging.Logger) (signer.Signer, *signer.Bridge, error) {
	if cfg.Signer.MnemonicFile == "" {
		log.Info("No mnemonic configured, signing requests go to signer_approve")
		bridge := signer.NewBridge(0, log.Component("signer"))
		return bridge, bridge, nil
	}

	mnemonic, err := signer.LoadMnemonic(config.ExpandPath(cfg.Signer.MnemonicFile), os.Getenv(cfg.Signer.PasswordEnv))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load mnemonic: %w", err)
	}
	local, err := signer.NewLocal(mnemonic, "", cfg.Signer.Account, cfg.Signer.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create signer: %w", err)
	}
	log.Info("Local signer ready", "account", cfg.Signer.Account, "index", cfg.Signer.Index)
	return local, nil, nil
}

func logOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(config.ExpandPath(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, registry *backend.Registry, external bool) {
	signerMode := "local"
	if external {
		signerMode = "external (signer_approve)"
	}

	log.Info("")
	log.Info("=================================================")
	log.Info("  Chain Coordination Engine")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	if cfg.API.Listen != "" {
		log.Infof("  API: http://%s", cfg.API.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.API.Listen)
		log.Infof("  Metrics: http://%s/metrics", cfg.API.Listen)
	} else {
		log.Info("  API: disabled")
	}
	log.Info("")
	log.Infof("  Networks: %d | Signer: %s", len(registry.Networks()), signerMode)
	log.Infof("  Storage: %s | Data dir: %s", cfg.Storage.Driver, config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
