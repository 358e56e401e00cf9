package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"saf-registry/ledger-backend/internal/bootstrap"
	"saf-registry/ledger-backend/internal/config"
	"saf-registry/ledger-backend/internal/saf"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// No logger yet; the config decides its level.
		panic(err)
	}

	// Initialize logger
	logger, err := bootstrap.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Volumes travel as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	ctx := context.Background()

	var db *sqlx.DB
	if cfg.Ledger.Store == "postgres" {
		db, err = bootstrap.ConnectDatabase(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
	}

	repo, err := bootstrap.NewRepository(ctx, cfg.Ledger, db)
	if err != nil {
		logger.Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	dir, err := bootstrap.NewDirectory(ctx, cfg.Directory, db)
	if err != nil {
		logger.Fatal("Failed to initialize entity directory", zap.Error(err))
	}
	publisher, err := bootstrap.NewPublisher(ctx, cfg.Events, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event publisher", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := saf.NewMetrics(registry)

	// Initialize Ledger Module
	ledgerService := saf.NewService(repo, dir, publisher, metrics, bootstrap.LedgerOptions(cfg.Ledger), logger)
	defer ledgerService.Close()
	ledgerHandler := saf.NewHandler(ledgerService, logger)

	// The memory store lives in this process, so nobody else can audit it.
	if cfg.Ledger.Store == "memory" {
		scheduler, err := saf.NewAuditScheduler(saf.NewAuditor(repo, metrics, logger), cfg.Audit.Schedule, logger)
		if err != nil {
			logger.Fatal("Failed to schedule ledger audit", zap.Error(err))
		}
		if err := scheduler.Start(ctx); err != nil {
			logger.Fatal("Failed to start audit scheduler", zap.Error(err))
		}
		defer scheduler.Stop()
	}

	// Setup Router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS Middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Entity-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Register Routes
	api := router.Group("/api/v1")
	api.Use(saf.Identity(cfg.Security.JWTSecret))
	{
		ledgerHandler.RegisterRoutes(api)
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"status":         "healthy",
			"store":          cfg.Ledger.Store,
			"snapshot_cache": ledgerService.SnapshotCacheStats(),
			"timestamp":      time.Now(),
		}
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				body["error"] = err.Error()
			}
		}
		c.JSON(status, body)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("addr", srv.Addr),
		zap.String("store", cfg.Ledger.Store),
		zap.String("publisher", cfg.Events.Publisher))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}
