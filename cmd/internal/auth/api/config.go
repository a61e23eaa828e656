package authapi

import (
	"fmt"
	"strings"

	"warden/cmd/internal/auth/session"

	"github.com/caarlos0/env/v11"
)

const minServiceKeyLen = 16

// Config controls auth API behavior and security defaults.
type Config struct {
	// TrustProxy enables X-Forwarded-For / X-Real-IP for client IP extraction.
	TrustProxy bool `env:"WARDEN_AUTH_TRUST_PROXY" envDefault:"false"`

	MaxBodyBytes int64 `env:"WARDEN_AUTH_MAX_BODY_BYTES" envDefault:"16384"`

	// ServiceKey guards POST /auth/sessions. Empty disables the endpoint.
	ServiceKey string `env:"WARDEN_SERVICE_KEY"`

	// RefreshRPS and RefreshBurst size the per-IP token bucket shared by
	// /auth/refresh and /auth/sessions. RefreshRPS <= 0 disables limiting.
	RefreshRPS   float64 `env:"WARDEN_REFRESH_RPS" envDefault:"2"`
	RefreshBurst int     `env:"WARDEN_REFRESH_BURST" envDefault:"10"`
}

// LoadConfigFromEnv loads auth API config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", session.ErrConfig, err)
	}
	cfg.ServiceKey = strings.TrimSpace(cfg.ServiceKey)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the config invariants.
func (c Config) Validate() error {
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be positive", session.ErrConfig)
	}
	if c.ServiceKey != "" && len(c.ServiceKey) < minServiceKeyLen {
		return fmt.Errorf("%w: service key must be at least %d bytes", session.ErrConfig, minServiceKeyLen)
	}
	if c.RefreshRPS > 0 && c.RefreshBurst <= 0 {
		return fmt.Errorf("%w: refresh burst must be positive", session.ErrConfig)
	}
	return nil
}
