package token

import (
	"crypto/rand"
	"encoding/base64"
)

// MinSecretBytes is the smallest secret size GenerateSecret accepts (256 bits).
const MinSecretBytes = 32

// GenerateSecret returns nBytes of crypto/rand output, URL-safe, no padding.
func GenerateSecret(nBytes int) (string, error) {
	if nBytes < MinSecretBytes {
		return "", ErrSecretTooShort
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
