package session

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"warden/cmd/security/token"
)

// Access token formats.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// Config defines all runtime configuration for the session subsystem.
//
// It controls access-token TTL and signing, renewal-credential TTL and
// entropy, clock skew tolerance, and the renewal hashing key.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string `env:"WARDEN_AUTH_ISSUER" envDefault:"warden"`

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration `env:"WARDEN_AUTH_ACCESS_TTL" envDefault:"15m"`

	// RefreshTTL defines the lifetime of each renewal credential in a lineage.
	RefreshTTL time.Duration `env:"WARDEN_AUTH_REFRESH_TTL" envDefault:"720h"`

	// ClockSkew defines the allowed time skew during access token validation.
	ClockSkew time.Duration `env:"WARDEN_AUTH_CLOCK_SKEW" envDefault:"30s"`

	// RefreshTokenBytes is the number of random bytes in a renewal secret.
	RefreshTokenBytes int `env:"WARDEN_AUTH_REFRESH_TOKEN_BYTES" envDefault:"32"`

	// AccessTokenFormat selects the access token signer: "paseto" or "jwt".
	AccessTokenFormat string `env:"WARDEN_ACCESS_TOKEN_FORMAT" envDefault:"paseto"`

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key for v4.public tokens.
	PasetoV4SecretKeyHex string `env:"WARDEN_PASETO_V4_SECRET_KEY_HEX"`

	// JWTSigningKey is the HS256 key used when AccessTokenFormat is "jwt".
	JWTSigningKey string `env:"WARDEN_JWT_SIGNING_KEY"`

	// TokenHMACKey is the master key renewal secrets are hashed under.
	TokenHMACKey string `env:"WARDEN_TOKEN_HMAC_KEY"`
}

// DefaultConfig returns a secure default configuration without key material.
func DefaultConfig() Config {
	return Config{
		Issuer:            "warden",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTTL:        30 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		AccessTokenFormat: FormatPaseto,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - WARDEN_TOKEN_HMAC_KEY (>= 32 bytes)
//   - WARDEN_PASETO_V4_SECRET_KEY_HEX, or WARDEN_JWT_SIGNING_KEY when
//     WARDEN_ACCESS_TOKEN_FORMAT=jwt
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, ErrConfig
	}
	cfg.TokenHMACKey = strings.TrimSpace(cfg.TokenHMACKey)
	cfg.AccessTokenFormat = strings.ToLower(strings.TrimSpace(cfg.AccessTokenFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the config invariants.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	// Access tokens must not outlive the credential that renews them.
	if c.AccessTokenTTL >= c.RefreshTTL {
		return ErrConfig
	}
	if c.RefreshTokenBytes < token.MinSecretBytes || c.RefreshTokenBytes > 64 {
		return ErrConfig
	}
	if len(c.TokenHMACKey) < token.MinKeyBytes {
		return ErrConfig
	}

	switch c.AccessTokenFormat {
	case FormatPaseto:
		if c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
	case FormatJWT:
		if len(c.JWTSigningKey) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}
