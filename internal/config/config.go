package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource        string        `env:"DB_SOURCE"`
	Port            string        `env:"SERVER_PORT" env-default:"8080"`
	Env             string        `env:"ENVIRONMENT" env-default:"development"`
	StoreDriver     string        `env:"STORE_DRIVER" env-default:"postgres"`
	JWTSecret       string        `env:"JWT_SECRET" env-default:"supersecret"`
	MaxAmount       string        `env:"TRANSFER_MAX_AMOUNT" env-default:"999999999.99"`
	LockTimeout     time.Duration `env:"LOCK_TIMEOUT" env-default:"5s"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" env-default:"true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("couldn't read environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if _, err := c.MaxTransferAmount(); err != nil {
		return err
	}
	return nil
}

// MaxTransferAmount parses the per-operation ceiling. It must fit the balance column.
func (c *Config) MaxTransferAmount() (decimal.Decimal, error) {
	max, err := domain.ParseAmount(c.MaxAmount)
	if err != nil || !max.IsPositive() {
		return decimal.Zero, fmt.Errorf("TRANSFER_MAX_AMOUNT must be a positive decimal, got %q", c.MaxAmount)
	}
	if err := domain.ValidateAmount(max, domain.MaxBalance); err != nil {
		return decimal.Zero, fmt.Errorf("TRANSFER_MAX_AMOUNT must have at most %d decimal places and not exceed %s, got %q",
			domain.AmountScale, domain.MaxBalance.StringFixed(domain.AmountScale), c.MaxAmount)
	}
	return max, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
