package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"saf-registry/ledger-backend/internal/config"
	"saf-registry/ledger-backend/internal/directory"
	"saf-registry/ledger-backend/internal/events"
	"saf-registry/ledger-backend/internal/saf"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRepository_Memory(t *testing.T) {
	repo, err := NewRepository(context.Background(), config.LedgerConfig{
		Store:       "memory",
		LockTimeout: config.Duration(time.Second),
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &saf.MemoryRepository{}, repo)

	_, err = NewRepository(context.Background(), config.LedgerConfig{Store: "cassandra"}, nil)
	assert.Error(t, err)
}

func TestNewDirectory_StaticSeeds(t *testing.T) {
	id := uuid.New()
	dir, err := NewDirectory(context.Background(), config.DirectoryConfig{
		Entities: []config.EntitySeed{{ID: id.String(), Name: "Air Atlantique", Role: "airline"}},
	}, nil)
	require.NoError(t, err)

	entity, err := dir.GetEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, directory.RoleAirline, entity.Role)
	assert.True(t, entity.IsEnabled)

	_, err = NewDirectory(context.Background(), config.DirectoryConfig{
		Entities: []config.EntitySeed{{ID: "nope", Name: "Broken"}},
	}, nil)
	assert.Error(t, err)
}

func TestNewPublisher_Log(t *testing.T) {
	pub, err := NewPublisher(context.Background(), config.EventsConfig{Publisher: "log"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &events.LogPublisher{}, pub)
}

func TestLedgerOptions(t *testing.T) {
	opts := LedgerOptions(config.LedgerConfig{
		CreditRoles:       []string{"OPERATOR"},
		LockRetries:       3,
		LockRetryInterval: config.Duration(10 * time.Millisecond),
		SnapshotCacheTTL:  config.Duration(time.Minute),
	})
	assert.Equal(t, []directory.Role{directory.RoleOperator}, opts.CreditRoles)
	assert.Equal(t, 3, opts.LockRetries)
	assert.Equal(t, 10*time.Millisecond, opts.LockRetryInterval)
	assert.Equal(t, time.Minute, opts.SnapshotTTL)
}
