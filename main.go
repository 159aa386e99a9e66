package main

import (
	"context"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"mirror-core/internal/api"
	"mirror-core/internal/broadcast"
	"mirror-core/internal/control"
	"mirror-core/internal/dispatch"
	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/internal/gateway"
	"mirror-core/internal/ledger"
	"mirror-core/internal/monitor"
	"mirror-core/internal/reconciliation"
	"mirror-core/internal/registry"
	"mirror-core/internal/signal"
	"mirror-core/pkg/config"
	"mirror-core/pkg/crypto"
	"mirror-core/pkg/db"
	"mirror-core/pkg/instance"
	"mirror-core/pkg/symbols"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config load failed: %v", err)
	}
	log.Printf("🚀 Starting mirror-core on port %s (instance %s)", cfg.Port, instance.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ DB init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ DB migrations failed: %v", err)
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf("❌ Credential key missing: %v (set CREDENTIAL_KEY)", err)
	}

	table, err := symbols.Load(cfg.SymbolsFile)
	if err != nil {
		log.Fatalf("❌ Symbol table load failed: %v", err)
	}
	log.Printf("📐 Loaded %d symbol filter(s)", len(table.Symbols()))

	accounts, err := registry.New(database, keys, bus)
	if err != nil {
		log.Fatalf("❌ Account registry failed: %v", err)
	}

	gateways := gateway.NewManager(accounts, gateway.DefaultConfig(), cfg.ExchangeTestnet, nil)
	gateways.Start(ctx)
	defer gateways.Stop()

	// Positions and trades
	led := ledger.New(database, bus)

	// Execution pool with WAL recovery
	wal, err := execution.NewIntentWAL(cfg.IntentWALPath)
	if err != nil {
		log.Fatalf("❌ Intent WAL init failed: %v", err)
	}
	defer wal.Close()

	poolCfg := execution.DefaultConfig()
	poolCfg.WorkersPerLane = cfg.WorkersPerPool
	poolCfg.MaxAttempts = cfg.MaxAttempts
	poolCfg.AttemptTimeout = cfg.AttemptTimeout
	pool := execution.NewPool(poolCfg, gateways, accounts, wal, database, bus, led, instance.ID())
	if err := pool.Recover(); err != nil {
		log.Fatalf("❌ Intent recovery failed: %v", err)
	}
	defer pool.Stop()

	// Dispatch
	dispCfg := dispatch.DefaultConfig()
	dispCfg.CycleTimeout = cfg.CycleTimeout
	dispatcher := dispatch.New(dispCfg, accounts, gateways, pool, led, table)
	defer dispatcher.Stop()

	// Ingestion: API-injected signals plus master position polling
	ingestor := signal.NewIngestor(database, table, bus, dispatcher)
	defer ingestor.Close()

	poller, err := signal.NewPoller(accounts, gateways, ingestor, database, cfg.MasterPollInterval)
	if err != nil {
		log.Fatalf("❌ Master poller init failed: %v", err)
	}
	poller.Start(ctx)
	defer poller.Stop()

	// Control plane
	ctl := control.New(database, accounts, dispatcher, pool, led, bus)

	// Reconciliation
	recon := reconciliation.NewService(accounts, gateways, led, cfg.ReconcileInterval, cfg.ReconcileAutoSync)
	recon.Start(ctx)

	// Metrics
	sysMetrics := monitor.NewSystemMetrics()
	unobserve := sysMetrics.Observe(bus)
	defer unobserve()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sysMetrics.SetGatewayPoolStats(gateways.Stats())
				sysMetrics.SetWALMetrics(wal.Metrics())
				sysMetrics.SetQueueDepth(pool.Depth())
			}
		}
	}()

	// Websocket fan-out
	hub := broadcast.NewHub(bus)
	hub.Start()
	defer hub.Stop()

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	server := api.NewServer(
		bus,
		database,
		accounts,
		ingestor,
		led,
		ctl,
		recon,
		hub,
		sysMetrics,
		api.SystemMeta{
			Testnet: cfg.ExchangeTestnet,
			Symbols: table.Symbols(),
			Version: buildVersion,
		},
		cfg.JWTSecret,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("❌ API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("👋 Shutting down")
}
