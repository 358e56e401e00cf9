package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Ledger.Store)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout.Std())
	assert.Equal(t, []string{"OPERATOR", "CPO"}, cfg.Ledger.CreditRoles)
	assert.Equal(t, "log", cfg.Events.Publisher)
	assert.Equal(t, "*/15 * * * *", cfg.Audit.Schedule)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9090, "read_timeout": "3s"},
		"ledger": {"store": "memory", "lock_timeout": "750ms", "credit_roles": ["operator"]},
		"directory": {"entities": [{"id": "5b1f8d3e-6f0a-4c8e-9d43-0f3f1e8a2b10", "name": "Raffinerie", "role": "OPERATOR"}]}
	}`)
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("LEDGER_CREDIT_ROLES", "operator, cpo")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout.Std())
	assert.Equal(t, "memory", cfg.Ledger.Store)
	assert.Equal(t, 750*time.Millisecond, cfg.Ledger.LockTimeout.Std())
	assert.Equal(t, []string{"OPERATOR", "CPO"}, cfg.Ledger.CreditRoles)
	assert.Equal(t, "s3cret", cfg.Security.JWTSecret)
	require.Len(t, cfg.Directory.Entities, 1)
	assert.Equal(t, "Raffinerie", cfg.Directory.Entities[0].Name)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad json":        `{"server":`,
		"unknown store":   `{"ledger": {"store": "redis"}}`,
		"zero timeout":    `{"ledger": {"lock_timeout": "0s"}}`,
		"bad duration":    `{"ledger": {"lock_timeout": "soon"}}`,
		"unknown role":    `{"ledger": {"credit_roles": ["BROKER"]}}`,
		"sns needs topic": `{"events": {"publisher": "sns"}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseURL(t *testing.T) {
	db := DatabaseConfig{User: "ledger", Password: "pw", Host: "db", Port: 5433, DBName: "saf", SSLMode: "require"}
	assert.Equal(t, "postgres://ledger:pw@db:5433/saf?sslmode=require", db.GetDatabaseURL())
}
