package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	CQLEngineURL       string        `mapstructure:"CQL_ENGINE_URL"`
	CQLEngineTimeout   time.Duration `mapstructure:"CQL_ENGINE_TIMEOUT"`
	CQLEngineRetries   int           `mapstructure:"CQL_ENGINE_RETRIES"`
	NumeratorStatement string        `mapstructure:"NUMERATOR_STATEMENT"`
}

var keys = []string{
	"PORT",
	"ENV",
	"LOG_LEVEL",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"CQL_ENGINE_URL",
	"CQL_ENGINE_TIMEOUT",
	"CQL_ENGINE_RETRIES",
	"NUMERATOR_STATEMENT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CQL_ENGINE_TIMEOUT", "10s")
	v.SetDefault("CQL_ENGINE_RETRIES", 3)
	v.SetDefault("NUMERATOR_STATEMENT", "Numerator")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PersistenceEnabled reports whether gaps reports are stored.
func (c *Config) PersistenceEnabled() bool {
	return c.DatabaseURL != ""
}

// Level parses LOG_LEVEL. An empty value is info.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(c.LogLevel)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.DBMaxConns < 0 || c.DBMinConns < 0 {
		return fmt.Errorf("DB_MAX_CONNS and DB_MIN_CONNS must not be negative")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CQLEngineURL != "" {
		u, err := url.Parse(c.CQLEngineURL)
		if err != nil {
			return fmt.Errorf("CQL_ENGINE_URL is invalid: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("CQL_ENGINE_URL must be an http(s) URL, got %q", c.CQLEngineURL)
		}
	}
	if c.CQLEngineRetries < 0 {
		return fmt.Errorf("CQL_ENGINE_RETRIES must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.LogLevel)
	}
	if c.NumeratorStatement == "" {
		return fmt.Errorf("NUMERATOR_STATEMENT must not be empty")
	}
	return nil
}
