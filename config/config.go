/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults in struct tags
  2. .env file in the working directory (optional)
  3. Environment variables (LOYALTY_*)
  4. Command-line flags

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db-driver  sqlite | postgres | memory (default: sqlite)
  -db         SQLite database path (default: loyalty.db)
              Use ":memory:" for an in-memory database
  -database-url  PostgreSQL connection string
  -vouchers   Voucher batch file imported on start (YAML or JSON)
  -log-level  debug | info | warn | error

EXAMPLES:
  ./server -db="./data/loyalty.db" -vouchers=./vouchers.yaml
  LOYALTY_DB_DRIVER=postgres LOYALTY_DATABASE_URL=postgres://... ./server

SEE ALSO:
  - cmd/server/main.go: Uses Load
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all runtime configuration.
type Config struct {
	Port int `env:"LOYALTY_PORT,default=8080"`

	DBDriver    string `env:"LOYALTY_DB_DRIVER,default=sqlite"`
	DBPath      string `env:"LOYALTY_DB_PATH,default=loyalty.db"`
	DatabaseURL string `env:"LOYALTY_DATABASE_URL"`
	DBMaxConns  int32  `env:"LOYALTY_DB_MAX_CONNS,default=10"`

	VoucherFile         string `env:"LOYALTY_VOUCHER_FILE"`
	VoucherDefaultValue int64  `env:"LOYALTY_VOUCHER_DEFAULT_VALUE,default=1"`
	RewardCost          int64  `env:"LOYALTY_REWARD_COST,default=10"`

	TxTimeout         time.Duration `env:"LOYALTY_TX_TIMEOUT,default=5s"`
	ReconcileInterval time.Duration `env:"LOYALTY_RECONCILE_INTERVAL,default=1h"`

	RateLimit float64 `env:"LOYALTY_RATE_LIMIT,default=1"`
	RateBurst int     `env:"LOYALTY_RATE_BURST,default=5"`

	AllowedOrigins []string `env:"LOYALTY_ALLOWED_ORIGINS,default=http://localhost:5173;http://localhost:8080"`

	LogLevel  string `env:"LOYALTY_LOG_LEVEL,default=info"`
	LogFormat string `env:"LOYALTY_LOG_FORMAT,default=text"`
}

// Load reads .env, the environment and args (without the program name).
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(args)
}

func load(args []string) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	fsFlags := flag.NewFlagSet("server", flag.ContinueOnError)
	fsFlags.SetOutput(io.Discard)
	fsFlags.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fsFlags.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "storage driver: sqlite, postgres or memory")
	fsFlags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fsFlags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	fsFlags.StringVar(&cfg.VoucherFile, "vouchers", cfg.VoucherFile, "voucher batch file to import on start")
	fsFlags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fsFlags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("config: sqlite driver requires a database path")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: postgres driver requires LOYALTY_DATABASE_URL")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown db driver %q", c.DBDriver)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.VoucherDefaultValue <= 0 {
		return errors.New("config: voucher default value must be positive")
	}
	if c.RewardCost <= 0 {
		return errors.New("config: reward cost must be positive")
	}
	if c.TxTimeout <= 0 {
		return errors.New("config: transaction timeout must be positive")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("config: reconcile interval must not be negative")
	}
	return nil
}
