package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Ledger    LedgerConfig    `json:"ledger"`
	Directory DirectoryConfig `json:"directory"`
	Events    EventsConfig    `json:"events"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
	Audit     AuditConfig     `json:"audit"`
}

// Duration is a time.Duration read from JSON as "250ms", "5s" or nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	User           string   `json:"user"`
	Password       string   `json:"password"`
	DBName         string   `json:"db_name"`
	SSLMode        string   `json:"ssl_mode"`
	MaxConnections int      `json:"max_connections"`
	MaxIdleConns   int      `json:"max_idle_conns"`
	MaxLifetime    Duration `json:"max_lifetime"`
}

// LedgerConfig tunes the ticket ledger
type LedgerConfig struct {
	// Store is "postgres" or "memory".
	Store             string   `json:"store"`
	LockTimeout       Duration `json:"lock_timeout"`
	LockRetries       int      `json:"lock_retries"`
	LockRetryInterval Duration `json:"lock_retry_interval"`
	CreditRoles       []string `json:"credit_roles"`
	SnapshotCacheTTL  Duration `json:"snapshot_cache_ttl"`
}

// DirectoryConfig lists entities to register at startup. With the memory store they are
// the whole directory; with postgres they are upserted into the entities table.
type DirectoryConfig struct {
	Entities []EntitySeed `json:"entities"`
}

type EntitySeed struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Role   string   `json:"role"`
	Rights []string `json:"rights"`
}

// EventsConfig selects where ledger events go
type EventsConfig struct {
	// Publisher is "log" or "sns".
	Publisher string `json:"publisher"`
	TopicARN  string `json:"topic_arn"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// AuditConfig schedules the consistency auditor
type AuditConfig struct {
	Schedule string `json:"schedule"`
}

// LoadConfig loads configuration from file and environment variables.
// A .env file in the working directory, if present, is loaded first.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// Default config
	config := &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(15 * time.Second),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "saf_ledger",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    Duration(5 * time.Minute),
		},
		Ledger: LedgerConfig{
			Store:             "postgres",
			LockTimeout:       Duration(2 * time.Second),
			LockRetries:       2,
			LockRetryInterval: Duration(50 * time.Millisecond),
			CreditRoles:       []string{"OPERATOR", "CPO"},
			SnapshotCacheTTL:  Duration(30 * time.Second),
		},
		Events: EventsConfig{
			Publisher: "log",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Audit: AuditConfig{
			Schedule: "*/15 * * * *",
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = p
		}
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if store := os.Getenv("LEDGER_STORE"); store != "" {
		config.Ledger.Store = store
	}
	if timeout := os.Getenv("LEDGER_LOCK_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Ledger.LockTimeout = Duration(d)
		}
	}
	if roles := os.Getenv("LEDGER_CREDIT_ROLES"); roles != "" {
		config.Ledger.CreditRoles = strings.Split(roles, ",")
	}
	if publisher := os.Getenv("EVENTS_PUBLISHER"); publisher != "" {
		config.Events.Publisher = publisher
	}
	if topic := os.Getenv("EVENTS_TOPIC_ARN"); topic != "" {
		config.Events.TopicARN = topic
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.Events.Region = region
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Security.JWTSecret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if schedule := os.Getenv("AUDIT_SCHEDULE"); schedule != "" {
		config.Audit.Schedule = schedule
	}
}

// Validate rejects settings the binaries cannot run with.
func (c *Config) Validate() error {
	switch c.Ledger.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("ledger.store must be postgres or memory, got %q", c.Ledger.Store)
	}
	if c.Ledger.LockTimeout <= 0 {
		return errors.New("ledger.lock_timeout must be positive")
	}
	if c.Ledger.LockRetries < 0 {
		return errors.New("ledger.lock_retries must not be negative")
	}
	for i, role := range c.Ledger.CreditRoles {
		role = strings.ToUpper(strings.TrimSpace(role))
		switch role {
		case "OPERATOR", "CPO", "AIRLINE", "ADMINISTRATION":
			c.Ledger.CreditRoles[i] = role
		default:
			return fmt.Errorf("ledger.credit_roles: unknown role %q", role)
		}
	}
	switch c.Events.Publisher {
	case "log":
	case "sns":
		if c.Events.TopicARN == "" {
			return errors.New("events.topic_arn is required for the sns publisher")
		}
	default:
		return fmt.Errorf("events.publisher must be log or sns, got %q", c.Events.Publisher)
	}
	return nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
