package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xrpl-amm-collector/internal/amm"
	"xrpl-amm-collector/internal/config"
	"xrpl-amm-collector/internal/monitor"
	"xrpl-amm-collector/internal/observability"
	"xrpl-amm-collector/internal/processor"
	"xrpl-amm-collector/internal/reconcile"
	"xrpl-amm-collector/internal/storage"
	chstore "xrpl-amm-collector/internal/storage/clickhouse"
	"xrpl-amm-collector/internal/storage/memory"
	"xrpl-amm-collector/internal/storage/migrations"
	pgstore "xrpl-amm-collector/internal/storage/postgres"
	"xrpl-amm-collector/internal/supervisor"
	"xrpl-amm-collector/internal/xrpl"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration")
	mode := flag.String("mode", "live", "Run mode: live or backfill")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address (overrides config)")
	statusAddr := flag.String("status-addr", "", "Status HTTP address (overrides config)")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[collector] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Load config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}

	metrics := observability.NewMetrics("")

	// Start metrics server if enabled
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			logger.Printf("Starting metrics server on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = run(ctx, logger, metrics, cfg, *mode, *useMemory)

	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// run wires storage, the node client and the supervision stack, then
// executes the requested mode.
func run(ctx context.Context, logger *log.Logger, metrics *observability.Metrics, cfg *config.Config, mode string, useMemory bool) error {
	// Create stores (use interfaces)
	var txStore storage.TokenTransactionStore = memory.NewTokenTransactionStore()
	var snapStore storage.AMMSnapshotStore = memory.NewAMMSnapshotStore()
	var progStore storage.ProgressStore = memory.NewProgressStore()

	if !useMemory {
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required (use --use-memory for in-memory storage)")
		}
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("apply postgres migrations: %w", err)
		}

		txStore = pgstore.NewTokenTransactionStore(pool)
		snapStore = pgstore.NewAMMSnapshotStore(pool)
		progStore = pgstore.NewProgressStore(pool)
	}

	// Optional ClickHouse mirror for analytics.
	var archive *chstore.Archive
	if cfg.ClickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		defer conn.Close()

		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			return fmt.Errorf("apply clickhouse migrations: %w", err)
		}
		archive = chstore.NewArchive(conn)
	}

	// Connect to the node.
	wsConfig := xrpl.DefaultWSConfig()
	wsConfig.ReconnectDelay = cfg.ReconnectDelay
	wsConfig.MaxReconnectDelay = cfg.MaxReconnectDelay
	wsConfig.OnReconnect = metrics.WSReconnects.Inc
	wsConfig.Logger = logger

	gateway, err := xrpl.NewWSClient(ctx, cfg.NodeWS, &wsConfig)
	if err != nil {
		return fmt.Errorf("connect to node %s: %w", cfg.NodeWS, err)
	}
	defer gateway.Close()

	// Assemble the pipeline.
	ammOpts := amm.Options{
		Gateway:           gateway,
		Store:             snapStore,
		Metrics:           metrics,
		SignificantChange: cfg.SignificantChange,
		Logger:            logger,
	}
	if archive != nil {
		ammOpts.Archive = archive
	}
	tracker, err := amm.New(ammOpts)
	if err != nil {
		return err
	}

	proc := processor.New(processor.Options{
		Pools:  tracker,
		Logger: logger,
	})

	registry := supervisor.NewRegistry(progStore)

	reconciler, err := reconcile.New(reconcile.Options{
		Gateway:    gateway,
		Processor:  proc,
		Tracker:    tracker,
		TxStore:    txStore,
		Progress:   registry,
		Metrics:    metrics,
		Tolerance:  cfg.Tolerance,
		Horizon:    cfg.Horizon,
		PageSize:   cfg.PageSize,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	targets := cfg.DomainTargets()

	// Start status server if enabled
	if cfg.StatusAddr != "" {
		statusSrv := monitor.NewServer(monitor.Options{
			Registry:  registry,
			TxStore:   txStore,
			SnapStore: snapStore,
			Logger:    logger,
		})
		go func() {
			logger.Printf("Starting status server on %s", cfg.StatusAddr)
			if err := http.ListenAndServe(cfg.StatusAddr, statusSrv.Handler()); err != nil && err != http.ErrServerClosed {
				logger.Printf("Status server error: %v", err)
			}
		}()
	}

	switch mode {
	case "live":
		sup, err := supervisor.New(supervisor.Options{
			Gateway:           gateway,
			Processor:         proc,
			Tracker:           tracker,
			Reconciler:        reconciler,
			TxStore:           txStore,
			Registry:          registry,
			Archive:           archive,
			Metrics:           metrics,
			Logger:            logger,
			MaxSubscriptions:  cfg.MaxSubscriptions,
			SnapshotInterval:  cfg.SnapshotInterval,
			ReconcileInterval: cfg.ReconcileInterval,
			HealthInterval:    cfg.HealthInterval,
		})
		if err != nil {
			return err
		}
		logger.Printf("Collecting %d targets from %s", len(targets), cfg.NodeWS)
		return sup.Run(ctx, targets)

	case "backfill":
		// One reconciliation pass per target, then exit.
		for _, target := range targets {
			tracker.Register(target)
		}
		var firstErr error
		for _, target := range targets {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Printf("Backfilling %s", target.ID)
			if err := reconciler.Reconcile(ctx, target); err != nil {
				logger.Printf("Backfill %s: %v", target.ID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr

	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
}
