package app

import (
	"errors"
	"fmt"

	"warden/cmd/internal/auth/session"
	"warden/cmd/security/token"
)

// newSecretHasher enforces warden's key policy at startup and returns the
// hasher renewal secrets are stored under.
//
// Fail-fast: there is no unkeyed fallback.
func newSecretHasher(cfg session.Config) (*token.Hasher, error) {
	h, err := token.NewHasher([]byte(cfg.TokenHMACKey))
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return nil, fmt.Errorf("%w: %s is missing", session.ErrConfig, token.HMACEnvKey)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return nil, fmt.Errorf("%w: %s is too short (min %d bytes)", session.ErrConfig, token.HMACEnvKey, token.MinKeyBytes)
		default:
			return nil, err
		}
	}
	return h, nil
}
