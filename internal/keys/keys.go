// Package keys owns Ed25519 signing identities: generation, raw sign/verify,
// passphrase sealing for storage and load-or-generate at startup.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"soauth.org/internal/ids"
)

const Algorithm = "Ed25519"

var (
	ErrNotFound       = errors.New("keys: not found")
	ErrVerifyOnly     = errors.New("keys: manager holds no private key")
	ErrWrongPassword  = errors.New("keys: wrong key password")
	ErrInvalidKeyData = errors.New("keys: invalid key data")
)

// Manager holds one key pair. A Manager built from a public key can only verify.
type Manager struct {
	id        string
	public    ed25519.PublicKey
	private   ed25519.PrivateKey
	createdAt time.Time
}

// Generate creates a fresh key pair with a new key id.
func Generate() (*Manager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &Manager{
		id:        ids.New(),
		public:    pub,
		private:   priv,
		createdAt: time.Now().UTC(),
	}, nil
}

// FromPublicPEM builds a verify-only manager, as used by downstream apps.
func FromPublicPEM(id string, publicPEM []byte) (*Manager, error) {
	pub, err := parsePublicPEM(publicPEM)
	if err != nil {
		return nil, err
	}
	return &Manager{id: id, public: pub}, nil
}

func (m *Manager) ID() string                   { return m.id }
func (m *Manager) CreatedAt() time.Time         { return m.createdAt }
func (m *Manager) PublicKey() ed25519.PublicKey { return m.public }

// CanSign reports whether the private half is loaded.
func (m *Manager) CanSign() bool { return len(m.private) == ed25519.PrivateKeySize }

// Signer exposes the private key for JWT signing.
func (m *Manager) Signer() (crypto.Signer, error) {
	if !m.CanSign() {
		return nil, ErrVerifyOnly
	}
	return m.private, nil
}

// Sign returns the Ed25519 signature of payload.
func (m *Manager) Sign(payload []byte) ([]byte, error) {
	if !m.CanSign() {
		return nil, ErrVerifyOnly
	}
	return ed25519.Sign(m.private, payload), nil
}

// Verify reports whether signature is valid for payload. Bad input yields false.
func (m *Manager) Verify(payload, signature []byte) bool {
	if len(m.public) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(m.public, payload, signature)
}

// PublicPEM encodes the public key as a PKIX "PUBLIC KEY" block.
func (m *Manager) PublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.public)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func parsePublicPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: expected PUBLIC KEY block", ErrInvalidKeyData)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyData, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 public key", ErrInvalidKeyData)
	}
	return pub, nil
}
