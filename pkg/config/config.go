// Package config assembles the process configuration from the environment.
// A .env file in the working directory is merged in first, so local setups
// need no exported variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerSQLite = "sqlite"
)

// Config is the resolved process configuration.
type Config struct {
	// InventoryDir holds the YAML definitions.
	InventoryDir string
	// LedgerBackend selects where run logs are stored: memory or sqlite.
	LedgerBackend string
	// LedgerPath is the sqlite database file.
	LedgerPath string
	// TracePath, when set, appends every finished log entry as JSON lines.
	TracePath string
	// FilesDir receives files downloaded from servers.
	FilesDir string
	// SSHTimeout is the default dial timeout for servers without one.
	SSHTimeout time.Duration
	// ZombieTimeout is the age after which unfinished runs are swept.
	// Zero disables the sweep.
	ZombieTimeout time.Duration
	// LogLevel is a logrus level name.
	LogLevel string
}

// Load reads the configuration from .env and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment alone may be complete.
	_ = godotenv.Load()

	cfg := &Config{
		InventoryDir:  envOr("FLIGHTDECK_INVENTORY", "inventory"),
		LedgerBackend: envOr("FLIGHTDECK_LEDGER", LedgerSQLite),
		LedgerPath:    envOr("FLIGHTDECK_LEDGER_PATH", "flightdeck.db"),
		TracePath:     os.Getenv("FLIGHTDECK_TRACE"),
		FilesDir:      envOr("FLIGHTDECK_FILES_DIR", "files"),
		LogLevel:      envOr("FLIGHTDECK_LOG_LEVEL", "info"),
	}

	var err error
	cfg.SSHTimeout, err = envDuration("FLIGHTDECK_SSH_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.ZombieTimeout, err = envDuration("FLIGHTDECK_ZOMBIE_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}

	switch cfg.LedgerBackend {
	case LedgerMemory, LedgerSQLite:
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	return cfg, nil
}

// Logger builds a logrus logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envDuration accepts Go duration strings and bare second counts.
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
