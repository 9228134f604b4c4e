// Aegis402 - credit clearinghouse for x402-metered agent traffic
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/capGoblin/aegis402/internal/chainwatch"
	"github.com/capGoblin/aegis402/internal/clearing"
	"github.com/capGoblin/aegis402/internal/config"
	"github.com/capGoblin/aegis402/internal/creditmgr"
	"github.com/capGoblin/aegis402/internal/logging"
	"github.com/capGoblin/aegis402/internal/metrics"
	"github.com/capGoblin/aegis402/internal/money"
	"github.com/capGoblin/aegis402/internal/realtime"
	"github.com/capGoblin/aegis402/internal/registry"
	"github.com/capGoblin/aegis402/internal/reputation"
	"github.com/capGoblin/aegis402/internal/server"
	"github.com/capGoblin/aegis402/internal/traces"
	"github.com/capGoblin/aegis402/pkg/x402"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting aegis402",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, "json")
	money.SetDecimals(cfg.AssetDecimals)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"credit_manager", cfg.CreditManagerAddress,
		"asset", cfg.AssetAddress,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
		if err != nil {
			logger.Error("failed to init tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTraces(shutdownCtx)
		}()
	}

	credit, err := creditmgr.New(creditmgr.Config{
		RPCURL:               cfg.RPCURL,
		PrivateKey:           cfg.PrivateKey,
		ChainID:              cfg.ChainID,
		CreditManagerAddress: cfg.CreditManagerAddress,
		AssetAddress:         cfg.AssetAddress,
	})
	if err != nil {
		logger.Error("failed to build credit manager adapter", "error", err)
		os.Exit(1)
	}
	defer credit.Close()

	watchClient, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		logger.Error("failed to dial RPC for chain watcher", "error", err)
		os.Exit(1)
	}
	defer watchClient.Close()

	reg := registry.New()
	var repReader reputation.Reader = reputation.NewStubReader(cfg.ReputationMin, cfg.ReputationMax)
	hub := realtime.NewHub(logger)

	// watcher's onTransfer callback needs core, and core needs the watcher
	// to Watch() newly subscribed merchants — close over core by reference
	// so construction order doesn't matter; both run long after this func
	// returns its setup phase.
	var core *clearing.Core
	watcher := chainwatch.New(watchClient, chainwatch.Config{
		AssetAddress: common.HexToAddress(cfg.AssetAddress),
		PollInterval: cfg.PollInterval,
		StartBlock:   cfg.StartBlock,
		ReorgDepth:   cfg.ReorgDepth,
	}, func(ctx context.Context, t chainwatch.Transfer) {
		core.OnTransfer(ctx, t)
	}, logger)

	core = clearing.New(reg, credit, watcher, repReader, logger, clearing.Config{
		ReputationMin:       cfg.ReputationMin,
		ReputationMax:       cfg.ReputationMax,
		DefaultDeadline:     time.Duration(cfg.DefaultDeadlineSeconds) * time.Second,
		DeadlineTick:        cfg.DeadlineTickInterval,
		RecoveryLookback:    cfg.RecoveryLookbackDepth,
		RecoveryChunkSize:   cfg.BlockChunkSize,
		ConfirmationTimeout: 2 * time.Minute,
	})

	core.OnEvent(func(eventType string, data map[string]interface{}) {
		hub.Broadcast(&realtime.Event{
			Type:      realtime.EventType(eventType),
			Timestamp: time.Now(),
			Data:      data,
		})
	})

	facilitator := x402.NewHTTPFacilitator(cfg.FacilitatorURL, cfg.FacilitatorAPIKey)

	currentBlock, err := watchClient.BlockNumber(ctx)
	if err != nil {
		logger.Error("failed to read current block for recovery", "error", err)
		os.Exit(1)
	}
	// Recovery must scan the clearinghouse's full operating history, not a
	// short lookback window — DeploymentBlock (defaulting to the chain's
	// genesis block) is the only valid fallback when START_BLOCK is unset.
	fromBlock := cfg.StartBlock
	if fromBlock == 0 {
		fromBlock = cfg.DeploymentBlock
	}
	go core.Run(ctx)
	if err := core.Recover(ctx, fromBlock, currentBlock); err != nil {
		logger.Error("recovery failed", "error", err)
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start chain watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Stop()

	goroutineDone := make(chan struct{})
	go metrics.StartGoroutineCollector(goroutineDone, 15*time.Second)
	defer close(goroutineDone)

	srv := server.New(cfg, core, reg, hub, facilitator, server.WithLogger(logger))
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("aegis402 shut down cleanly")
}
