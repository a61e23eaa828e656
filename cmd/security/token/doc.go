// Package token provides renewal-credential crypto primitives for warden.
//
// It is the single source of truth for how renewal secrets are generated and
// how they are hashed before they touch storage.
//
// Design goals:
// - Secrets are >= 256 bits from crypto/rand, base64url without padding.
// - Hashing is HMAC-SHA256 under a key derived (HKDF-SHA256) from the
//   configured master key. There is no unkeyed fallback.
// - Stable 64-char hex output for storage and constant-time comparison.
//
// Environment:
// - WARDEN_TOKEN_HMAC_KEY: master key, at least 32 bytes.
package token
