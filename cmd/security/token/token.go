package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// HMACEnvKey is the env var name for the token HMAC master key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "WARDEN_TOKEN_HMAC_KEY"

	// MinKeyBytes is the minimum accepted master key length.
	MinKeyBytes = 32

	hashInfo = "warden/renewal-credential/v1"
)

var (
	// ErrHMACKeyMissing is a fatal configuration error: no hashing key is set.
	ErrHMACKeyMissing  = errors.New("token: hmac key missing")
	ErrHMACKeyTooShort = errors.New("token: hmac key too short")

	// ErrSecretTooShort rejects secret sizes below 256 bits.
	ErrSecretTooShort = errors.New("token: secret size below minimum")
)

// Hasher computes keyed, one-way digests of renewal secrets.
// The zero value is not usable; construct with NewHasher.
type Hasher struct {
	key []byte
}

// NewHasher derives the MAC key from master and returns a Hasher.
func NewHasher(master []byte) (*Hasher, error) {
	if len(master) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(master) < MinKeyBytes {
		return nil, ErrHMACKeyTooShort
	}

	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, master, nil, []byte(hashInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return &Hasher{key: key}, nil
}

// Hash returns the hex HMAC-SHA256 of secret under the derived key.
func (h *Hasher) Hash(secret string) string {
	return HashHMACSHA256Hex(secret, h.key)
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
