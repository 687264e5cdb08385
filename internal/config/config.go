package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"circulation/internal/notify"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Fines        FinesConfig        `yaml:"fines"`
	Notification NotificationConfig `yaml:"notification"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TxTimeout       time.Duration `yaml:"tx_timeout"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type FinesConfig struct {
	DailyRate decimal.Decimal `yaml:"daily_rate"`
}

type NotificationConfig struct {
	Channel  string `yaml:"channel"`
	FeedSize int    `yaml:"feed_size"`
}

// Default returns the configuration used when no file or environment is given:
// a local SQLite file and the original 5-per-day fine rate.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			DSN:             "library.db",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
			TxTimeout:       5 * time.Second,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Fines:        FinesConfig{DailyRate: decimal.NewFromInt(5)},
		Notification: NotificationConfig{Channel: notify.DefaultChannel, FeedSize: 1000},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		// A postgres URL without an explicit driver selects postgres.
		if os.Getenv("DATABASE_DRIVER") == "" && isPostgresURL(v) {
			c.Database.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FINE_DAILY_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("FINE_DAILY_RATE: %w", err)
		}
		c.Fines.DailyRate = rate
	}
	if v := os.Getenv("NOTIFICATION_CHANNEL"); v != "" {
		c.Notification.Channel = v
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Database.TxTimeout <= 0 {
		return errors.New("database tx_timeout must be positive")
	}
	if c.Fines.DailyRate.IsNegative() {
		return errors.New("fines daily_rate must not be negative")
	}
	if c.Notification.Channel == "" {
		return errors.New("notification channel is required")
	}
	if c.Notification.FeedSize <= 0 {
		return errors.New("notification feed_size must be positive")
	}
	return nil
}

func isPostgresURL(dsn string) bool {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
