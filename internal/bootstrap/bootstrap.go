// Package bootstrap builds the ledger's runtime dependencies from configuration.
// Both binaries share it so the API and the auditor see the same store.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"saf-registry/ledger-backend/internal/config"
	"saf-registry/ledger-backend/internal/directory"
	"saf-registry/ledger-backend/internal/events"
	"saf-registry/ledger-backend/internal/saf"
)

// NewLogger returns a development logger for "debug" and a production logger otherwise.
func NewLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	return cfg.Build()
}

// ConnectDatabase opens the Postgres pool.
func ConnectDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*sqlx.DB, error) {
	logger.Info("Connecting to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("db_name", cfg.DBName))

	db, err := sqlx.Connect("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime.Std())
	return db, nil
}

// NewRepository returns the configured lineage store. db is unused for the memory store.
func NewRepository(ctx context.Context, cfg config.LedgerConfig, db *sqlx.DB) (saf.Repository, error) {
	switch cfg.Store {
	case "memory":
		return saf.NewMemoryRepository(cfg.LockTimeout.Std()), nil
	case "postgres":
		if err := saf.Migrate(ctx, db); err != nil {
			return nil, err
		}
		return saf.NewPostgresRepository(db, cfg.LockTimeout.Std()), nil
	default:
		return nil, fmt.Errorf("unknown ledger store %q", cfg.Store)
	}
}

// NewDirectory returns the entity directory and registers the configured seed entities.
// With a database the directory lives in the entities table, otherwise in memory.
func NewDirectory(ctx context.Context, cfg config.DirectoryConfig, db *sqlx.DB) (directory.Directory, error) {
	seeds, err := seedEntities(cfg.Entities)
	if err != nil {
		return nil, err
	}

	if db == nil {
		return directory.NewStaticDirectory(seeds...), nil
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}
	dir := directory.NewGormDirectory(gdb)
	if err := dir.Migrate(); err != nil {
		return nil, err
	}
	for i := range seeds {
		if err := dir.Upsert(ctx, &seeds[i]); err != nil {
			return nil, err
		}
	}
	return dir, nil
}

func seedEntities(seeds []config.EntitySeed) ([]directory.Entity, error) {
	entities := make([]directory.Entity, 0, len(seeds))
	for _, seed := range seeds {
		id, err := uuid.Parse(seed.ID)
		if err != nil {
			return nil, fmt.Errorf("directory seed %q: invalid id: %w", seed.Name, err)
		}
		entities = append(entities, directory.Entity{
			ID:        id,
			Name:      seed.Name,
			Role:      directory.Role(strings.ToUpper(seed.Role)),
			IsEnabled: true,
			Rights:    seed.Rights,
		})
	}
	return entities, nil
}

// NewPublisher returns the configured event publisher.
func NewPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, error) {
	switch cfg.Publisher {
	case "sns":
		return events.NewSNSPublisher(ctx, events.SNSConfig{
			Region:   cfg.Region,
			TopicARN: cfg.TopicARN,
			Endpoint: cfg.Endpoint,
		}, logger)
	default:
		return events.NewLogPublisher(logger), nil
	}
}

// LedgerOptions maps configuration onto service policy.
func LedgerOptions(cfg config.LedgerConfig) saf.Options {
	roles := make([]directory.Role, 0, len(cfg.CreditRoles))
	for _, r := range cfg.CreditRoles {
		roles = append(roles, directory.Role(r))
	}
	return saf.Options{
		CreditRoles:       roles,
		LockRetries:       cfg.LockRetries,
		LockRetryInterval: cfg.LockRetryInterval.Std(),
		SnapshotTTL:       cfg.SnapshotCacheTTL.Std(),
	}
}
