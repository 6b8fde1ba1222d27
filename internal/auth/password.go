package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	clientSecretBytes = 48
	loginCodeBytes    = 32
)

// HashClientSecret hashes an app client secret using bcrypt.
func HashClientSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("client secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyClientSecret compares a presented client secret with the stored hash.
func VerifyClientSecret(hash, secret string) error {
	if hash == "" {
		return errors.New("client secret hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashLoginCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
