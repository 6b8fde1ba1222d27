package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const refreshSecretBytes = 32

// GenerateRefreshSecret returns a random secret and its sha256 hex hash.
// Only the hash may be stored; the raw value is handed to the caller once.
func GenerateRefreshSecret() (raw, hash string, err error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("credential: read random: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashRefreshSecret(raw), nil
}

// HashRefreshSecret hashes a presented secret for lookup.
func HashRefreshSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CompareRefreshSecret reports in constant time whether raw hashes to expectedHash.
func CompareRefreshSecret(expectedHash, raw string) bool {
	actual := HashRefreshSecret(raw)
	if len(actual) != len(expectedHash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
