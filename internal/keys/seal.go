package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedBlockType = "SOAUTH ENCRYPTED PRIVATE KEY"

// argon2id parameters; stored with every sealed key so they can change later.
const (
	kdfTime    uint32 = 2
	kdfMemory  uint32 = 19 * 1024
	kdfThreads uint8  = 1
	saltSize          = 16
)

// Sealed is the at-rest form of a key pair.
type Sealed struct {
	ID         string
	Algorithm  string
	PublicPEM  []byte
	PrivateKey []byte
	CreatedAt  time.Time
}

// Seal encrypts the private key with a key derived from password.
func (m *Manager) Seal(password string) (Sealed, error) {
	if !m.CanSign() {
		return Sealed{}, ErrVerifyOnly
	}
	pubPEM, err := m.PublicPEM()
	if err != nil {
		return Sealed{}, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(m.private)
	if err != nil {
		return Sealed{}, fmt.Errorf("keys: marshal private key: %w", err)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Sealed{}, err
	}
	aead, err := chacha20poly1305.NewX(deriveKey(password, salt, kdfTime, kdfMemory, kdfThreads))
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, err
	}
	block := &pem.Block{
		Type: sealedBlockType,
		Headers: map[string]string{
			"Key-Id":  m.id,
			"Kdf":     "argon2id",
			"Time":    strconv.FormatUint(uint64(kdfTime), 10),
			"Memory":  strconv.FormatUint(uint64(kdfMemory), 10),
			"Threads": strconv.FormatUint(uint64(kdfThreads), 10),
			"Salt":    base64.RawStdEncoding.EncodeToString(salt),
			"Nonce":   base64.RawStdEncoding.EncodeToString(nonce),
		},
		Bytes: aead.Seal(nil, nonce, der, []byte(m.id)),
	}
	return Sealed{
		ID:         m.id,
		Algorithm:  Algorithm,
		PublicPEM:  pubPEM,
		PrivateKey: pem.EncodeToMemory(block),
		CreatedAt:  m.createdAt,
	}, nil
}

// Open decrypts a sealed key pair. A wrong password yields ErrWrongPassword.
func Open(s Sealed, password string) (*Manager, error) {
	block, _ := pem.Decode(s.PrivateKey)
	if block == nil || block.Type != sealedBlockType {
		return nil, fmt.Errorf("%w: expected %s block", ErrInvalidKeyData, sealedBlockType)
	}
	if block.Headers["Kdf"] != "argon2id" {
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrInvalidKeyData, block.Headers["Kdf"])
	}
	t, err1 := strconv.ParseUint(block.Headers["Time"], 10, 32)
	mem, err2 := strconv.ParseUint(block.Headers["Memory"], 10, 32)
	threads, err3 := strconv.ParseUint(block.Headers["Threads"], 10, 8)
	salt, err4 := base64.RawStdEncoding.DecodeString(block.Headers["Salt"])
	nonce, err5 := base64.RawStdEncoding.DecodeString(block.Headers["Nonce"])
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeyData, err)
		}
	}
	id := block.Headers["Key-Id"]
	if s.ID != "" && id != s.ID {
		return nil, fmt.Errorf("%w: key id mismatch", ErrInvalidKeyData)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(password, salt, uint32(t), uint32(mem), uint8(threads)))
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrInvalidKeyData)
	}
	der, err := aead.Open(nil, nonce, block.Bytes, []byte(id))
	if err != nil {
		return nil, ErrWrongPassword
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyData, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 private key", ErrInvalidKeyData)
	}
	pub, err := parsePublicPEM(s.PublicPEM)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKeyData)
	}
	return &Manager{id: id, public: pub, private: priv, createdAt: s.CreatedAt}, nil
}

func deriveKey(password string, salt []byte, t, mem uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(password), salt, t, mem, threads, chacha20poly1305.KeySize)
}
