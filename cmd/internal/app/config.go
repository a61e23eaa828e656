package app

import (
	"fmt"
	"strings"
	"time"

	"warden/cmd/internal/auth/session"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Denylist drivers.
const (
	DenylistMemory   = "memory"
	DenylistPostgres = "postgres"
	DenylistRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"WARDEN_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"WARDEN_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"WARDEN_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"WARDEN_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"WARDEN_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"WARDEN_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"WARDEN_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"WARDEN_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	DatabaseURL string `env:"WARDEN_DATABASE_URL"`
	DBMaxConns  int32  `env:"WARDEN_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"WARDEN_DB_MIN_CONNS" envDefault:"0"`

	DBMaxConnIdle time.Duration `env:"WARDEN_DB_MAX_CONN_IDLE" envDefault:"5m"`
	DBPingTimeout time.Duration `env:"WARDEN_DB_PING_TIMEOUT" envDefault:"3s"`

	// Store selects the renewal credential store: memory, postgres or sqlite.
	Store      string `env:"WARDEN_STORE" envDefault:"memory"`
	SQLitePath string `env:"WARDEN_SQLITE_PATH" envDefault:"warden.db"`

	// Denylist selects the access token denylist: memory, postgres or redis.
	Denylist string `env:"WARDEN_DENYLIST" envDefault:"memory"`
	RedisURL string `env:"WARDEN_REDIS_URL"`

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool `env:"WARDEN_READINESS_REQUIRE_DB" envDefault:"false"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", session.ErrConfig, err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.Denylist = strings.ToLower(strings.TrimSpace(cfg.Denylist))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver selections against the connection settings they need.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: WARDEN_STORE=postgres requires WARDEN_DATABASE_URL", session.ErrConfig)
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: WARDEN_STORE=sqlite requires WARDEN_SQLITE_PATH", session.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", session.ErrConfig, c.Store)
	}

	switch c.Denylist {
	case DenylistMemory:
	case DenylistPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: WARDEN_DENYLIST=postgres requires WARDEN_DATABASE_URL", session.ErrConfig)
		}
	case DenylistRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: WARDEN_DENYLIST=redis requires WARDEN_REDIS_URL", session.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown denylist %q", session.ErrConfig, c.Denylist)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", session.ErrConfig, c.LogFormat)
	}

	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("%w: invalid db pool bounds", session.ErrConfig)
	}
	if c.DatabaseURL != "" && c.DBPingTimeout <= 0 {
		return fmt.Errorf("%w: WARDEN_DB_PING_TIMEOUT must be positive", session.ErrConfig)
	}
	return nil
}
