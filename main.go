package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	"github.com/dgraph-io/badger/v4"

	"github.com/trackware/custodyd/config"
	"github.com/trackware/custodyd/coordinator"
	"github.com/trackware/custodyd/ledger"
	"github.com/trackware/custodyd/metrics"
	"github.com/trackware/custodyd/monitor"
	"github.com/trackware/custodyd/queue"
	"github.com/trackware/custodyd/repository"
	"github.com/trackware/custodyd/scanner"
	"github.com/trackware/custodyd/server"
	"github.com/trackware/custodyd/telemetry"
	"github.com/trackware/custodyd/wallet"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "Path to a TOML config file (optional)")
}

func main() {
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
	logger = logger.With("node", cfg.NodeID)
	metrics.Register()

	// Connect Postgresql DB
	repo := repository.NewRepository(logger)
	logger.Info("Connecting to durable store", "dsn", cfg.PostgresDSN)
	if err := repo.ConnectDB(cfg.PostgresDSN); err != nil {
		log.Fatalf("Connecting database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		log.Fatalf("Migrating database: %v", err)
	}
	repo.Seed()

	// Initialize Badger DB for the pending-operation queue
	db, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath))
	if err != nil {
		log.Fatalf("Opening pending-operation database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Fatalf("Closing pending-operation database: %v", err)
		}
	}()

	// Ledger RPC client without WebSocket
	cometClient, err := cmthttp.NewWithClient(cfg.LedgerRPC, &http.Client{
		Timeout: cfg.LedgerCallTimeout,
	})
	if err != nil {
		log.Fatalf("Creating ledger client: %v", err)
	}
	if err := cometClient.Start(); err != nil {
		log.Fatalf("Starting ledger client: %v", err)
	}
	gateway := ledger.NewCometGateway(cometClient, cfg.LedgerCallTimeout, logger)

	mon := monitor.New(gateway.Ping, repo.Ping, cfg.ProbeInterval, cfg.FailureCeiling, logger)

	applier := queue.NewGatewayApplier(repo, gateway, logger)
	pending, err := queue.New(db, applier, cfg.RetryCeiling, logger)
	if err != nil {
		log.Fatalf("Opening pending-operation queue: %v", err)
	}
	defer pending.Close()

	wallets := wallet.NewService(gateway, logger)
	coord := coordinator.New(repo, gateway, wallets, pending, mon, logger)
	ingestor := telemetry.NewIngestor(repo, gateway, pending, mon, logger)
	resolver := scanner.NewResolver(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)
	go pending.Run(ctx, mon.Resume(), cfg.DrainInterval)

	// Start Web Server
	webserver := server.NewWebServer(
		cfg.NodeID, cfg.HTTPPort, coord, ingestor, pending, mon, repo, resolver, logger)
	if err := webserver.Start(); err != nil {
		log.Fatalf("Starting HTTP server: %v", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := webserver.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
}
