package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khengleng/mycard-pay-protocol/cmd/internal/passphrase"
	"github.com/khengleng/mycard-pay-protocol/config"
	"github.com/khengleng/mycard-pay-protocol/core"
	"github.com/khengleng/mycard-pay-protocol/crypto"
	"github.com/khengleng/mycard-pay-protocol/indexer"
	"github.com/khengleng/mycard-pay-protocol/observability"
	"github.com/khengleng/mycard-pay-protocol/observability/logging"
	telemetry "github.com/khengleng/mycard-pay-protocol/observability/otel"
	"github.com/khengleng/mycard-pay-protocol/rpc"
	"github.com/khengleng/mycard-pay-protocol/storage"
)

const (
	version        = "1.0.0"
	commitInterval = 2 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	logLevel := flag.String("log-level", "info", "Minimum log level (debug|info|warn|error)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(config.EnvironmentVariable))
	logger := logging.Setup("cardpayd", env, logging.WithLevel(logging.ParseLevel(*logLevel)))

	if err := run(*configFile, logger); err != nil {
		logger.Error("cardpayd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configFile string, logger *slog.Logger) error {
	passSource := passphrase.NewSource(passphrase.DefaultEnv, "")
	var loadOpts []config.Option
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		pass, err := passSource.Get()
		if err != nil {
			return fmt.Errorf("obtain keystore passphrase for new config: %w", err)
		}
		loadOpts = append(loadOpts, config.WithKeystorePassphrase(pass))
		logger.Info("creating default configuration", slog.String("path", configFile))
	}
	cfg, err := config.Load(configFile, loadOpts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	accounts, err := cfg.ResolveAccounts()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "cardpayd",
		Environment: cfg.Environment,
		Version:     version,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	relayer := accounts.Owner
	if strings.TrimSpace(cfg.OperatorKeystorePath) != "" {
		pass, err := passSource.Get()
		if err != nil {
			return fmt.Errorf("obtain operator keystore passphrase: %w", err)
		}
		key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, pass)
		if err != nil {
			return fmt.Errorf("load operator key: %w", err)
		}
		relayer = key.Address()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chaindata"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	idx, err := indexer.Open(cfg.IndexerPath, logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	hub := rpc.NewEventHub()
	chain, err := core.NewChain(db, cfg.ChainID, core.Addresses{
		Manager:       accounts.Manager,
		RevenuePool:   accounts.RevenuePool,
		WalletFactory: accounts.WalletFactory,
	}, core.WithLogger(logger), core.WithSubscriber(idx), core.WithSubscriber(observability.Events()), core.WithSubscriber(hub))
	if err != nil {
		return err
	}
	if !chain.Bootstrapped() {
		logger.Info("bootstrapping protocol contracts")
		if err := chain.Bootstrap(ctx, cfg); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if _, err := chain.Commit(); err != nil {
			return err
		}
	}
	logger.Info("chain ready",
		slog.Uint64("height", chain.Height()),
		slog.String("root", chain.StateRoot().Hex()),
		slog.String("relayer", relayer.Hex()))

	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" {
		metricsSrv := &http.Server{Addr: addr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	go commitLoop(ctx, chain, logger)

	adminSecret := ""
	if name := strings.TrimSpace(cfg.RPC.AdminSecretEnv); name != "" {
		adminSecret = os.Getenv(name)
	}
	if adminSecret == "" {
		logger.Warn("admin routes disabled; no admin secret configured")
	}
	server := rpc.NewServer(chain, rpc.Config{
		RateLimitPerSecond: cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     cfg.RPC.RateLimitBurst,
		AdminSecret:        adminSecret,
		ReadHeaderTimeout:  time.Duration(cfg.RPC.ReadHeaderTimeout) * time.Second,
		Relayer:            relayer,
	}, rpc.WithIndexer(idx), rpc.WithEventHub(hub), rpc.WithLogger(logger))

	serveErr := server.Start(ctx, cfg.RPCAddress)

	if _, err := chain.Commit(); err != nil {
		logger.Error("final commit failed", slog.String("error", err.Error()))
	}
	return serveErr
}

// commitLoop persists pending transitions on a fixed cadence.
func commitLoop(ctx context.Context, chain *core.Chain, logger *slog.Logger) {
	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()
	committed := chain.StateRoot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			root, err := commitIfDirty(chain, committed)
			if err != nil {
				logger.Error("commit failed", slog.String("error", err.Error()))
				continue
			}
			committed = root
		}
	}
}

func commitIfDirty(chain *core.Chain, committed common.Hash) (common.Hash, error) {
	if chain.StateRoot() == committed {
		return committed, nil
	}
	return chain.Commit()
}
