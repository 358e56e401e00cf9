package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"saf-registry/ledger-backend/internal/bootstrap"
	"saf-registry/ledger-backend/internal/config"
	"saf-registry/ledger-backend/internal/saf"
)

// The auditor checks the shared Postgres ledger out of band of the API:
// for every ticket source, assigned_volume must equal the volume of its
// Pending, Accepted and Credited tickets and stay within total_volume.
func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	once := flag.Bool("once", false, "run a single audit, print the report and exit non-zero on findings")
	metricsAddr := flag.String("metrics-addr", ":9102", "address serving /metrics; empty disables it")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	// Initialize logger
	logger, err := bootstrap.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Ledger.Store != "postgres" {
		logger.Fatal("The auditor needs the postgres store; the memory store is audited inside ledger-api",
			zap.String("store", cfg.Ledger.Store))
	}

	db, err := bootstrap.ConnectDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := bootstrap.NewRepository(ctx, cfg.Ledger, db)
	if err != nil {
		logger.Fatal("Failed to initialize ledger store", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	auditor := saf.NewAuditor(repo, saf.NewMetrics(registry), logger)

	if *once {
		report, err := auditor.Run(ctx)
		if err != nil {
			logger.Fatal("Ledger audit failed", zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		if !report.Healthy() {
			logger.Sync()
			os.Exit(1)
		}
		return
	}

	scheduler, err := saf.NewAuditScheduler(auditor, cfg.Audit.Schedule, logger)
	if err != nil {
		logger.Fatal("Failed to schedule ledger audit", zap.Error(err))
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start audit scheduler", zap.Error(err))
	}

	var srv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Ledger auditor started", zap.String("schedule", cfg.Audit.Schedule))

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down ledger auditor...")
	cancel()
	scheduler.Stop()
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}
	logger.Info("Ledger auditor stopped")
}
