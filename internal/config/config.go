// Package config loads runtime settings from the environment.
//
// Variables use the PIZZERIA_ prefix and a double underscore for nesting:
// PIZZERIA_STORE__NUM_SHARDS sets store.num_shards. A .env file in the
// working directory is loaded first when present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const prefix = "PIZZERIA_"

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the root configuration.
type Config struct {
	Env      string         `koanf:"env" validate:"required,oneof=development test production"`
	Log      LogConfig      `koanf:"log"`
	Store    StoreConfig    `koanf:"store"`
	AWS      AWSConfig      `koanf:"aws"`
	Database DatabaseConfig `koanf:"database"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"required,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"required,oneof=json console"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend   string       `koanf:"backend" validate:"required,oneof=dynamodb sqlite postgres memory"`
	Tables    TablesConfig `koanf:"tables"`
	NumShards int          `koanf:"num_shards" validate:"min=1,max=256"`
}

// TablesConfig names the DynamoDB tables.
type TablesConfig struct {
	Pizzas        string `koanf:"pizzas" validate:"required"`
	Toppings      string `koanf:"toppings" validate:"required"`
	Relationships string `koanf:"relationships" validate:"required"`
	Unique        string `koanf:"unique" validate:"required"`
}

// AWSConfig is used by the dynamodb backend. Endpoint points the client at
// a local DynamoDB.
type AWSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
	Profile  string `koanf:"profile"`
}

// DatabaseConfig is used by the sqlite and postgres backends.
type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// Default returns the settings used for anything not set in the environment.
func Default() Config {
	return Config{
		Env: "production",
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend: BackendDynamoDB,
			Tables: TablesConfig{
				Pizzas:        "pizzas",
				Toppings:      "toppings",
				Relationships: "pizzeria_relationships",
				Unique:        "pizzeria_unique_constraints",
			},
			NumShards: 1,
		},
		Database: DatabaseConfig{
			MaxIdleConns:    2,
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Load reads PIZZERIA_* variables over the defaults and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	err := k.Load(env.Provider(prefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, prefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the settings each backend needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Store.Backend {
	case BackendSQLite, BackendPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("invalid config: database.dsn is required for the %s backend", c.Store.Backend)
		}
	}
	return nil
}

// IsDevelopment reports whether the process runs on a developer machine.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
