package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DefaultFile is read when present. Values from the environment win.
const DefaultFile = ".env"

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	StoreDriver        string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath         string        `mapstructure:"SQLITE_PATH"`
	DraftsPath         string        `mapstructure:"DRAFTS_PATH"`
	DefaultTenant      string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	LoadTimeout        time.Duration `mapstructure:"LOAD_TIMEOUT"`
	SubmitTimeout      time.Duration `mapstructure:"SUBMIT_TIMEOUT"`
	SessionIdleTimeout time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	CatalogFile        string        `mapstructure:"CATALOG_FILE"`
	DraftRetention     time.Duration `mapstructure:"DRAFT_RETENTION"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "SQLITE_PATH", "DRAFTS_PATH", "DEFAULT_TENANT", "CORS_ORIGINS",
	"LOAD_TIMEOUT", "SUBMIT_TIMEOUT", "SESSION_IDLE_TIMEOUT", "CATALOG_FILE",
	"DRAFT_RETENTION",
}

// Load reads DefaultFile and the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile reads path, if it exists, and the environment. The result is
// validated.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "data/labdesk.db")
	v.SetDefault("DRAFTS_PATH", "data/drafts.db")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOAD_TIMEOUT", "10s")
	v.SetDefault("SUBMIT_TIMEOUT", "30s")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("DRAFT_RETENTION", "720h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		// A missing file is fine; the environment may carry everything.
		_ = v.ReadInConfig()
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level returns the parsed LOG_LEVEL. Validate guarantees it parses.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration can be run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns <= 0 {
			return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	for name, d := range map[string]time.Duration{
		"LOAD_TIMEOUT":         c.LoadTimeout,
		"SUBMIT_TIMEOUT":       c.SubmitTimeout,
		"SESSION_IDLE_TIMEOUT": c.SessionIdleTimeout,
		"DRAFT_RETENTION":      c.DraftRetention,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.DefaultTenant == "" {
		return fmt.Errorf("DEFAULT_TENANT must not be empty")
	}
	return nil
}

// Watch reloads path each time it is written or replaced and hands the new
// configuration to onChange. Invalid files are reported to onError and
// otherwise ignored. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Editors often save by renaming over the file, which drops a watch on
	// the file itself; watch the directory instead.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := LoadFile(path)
			if err != nil {
				onError(fmt.Errorf("reload %s: %w", path, err))
				continue
			}
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onError(err)
		}
	}
}
