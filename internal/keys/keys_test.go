package keys

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	m, err := Generate()
	require.NoError(t, err)

	sig, err := m.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, m.Verify([]byte("payload"), sig))
	assert.False(t, m.Verify([]byte("tampered"), sig))
	assert.False(t, m.Verify([]byte("payload"), sig[:10]))
}

func TestVerifyOnlyManager(t *testing.T) {
	m, err := Generate()
	require.NoError(t, err)
	pubPEM, err := m.PublicPEM()
	require.NoError(t, err)

	verifier, err := FromPublicPEM(m.ID(), pubPEM)
	require.NoError(t, err)
	assert.False(t, verifier.CanSign())

	sig, err := m.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, verifier.Verify([]byte("hello"), sig))

	_, err = verifier.Sign([]byte("hello"))
	assert.ErrorIs(t, err, ErrVerifyOnly)
}

func TestSealOpenRoundTrip(t *testing.T) {
	m, err := Generate()
	require.NoError(t, err)

	sealed, err := m.Seal("correct horse")
	require.NoError(t, err)
	assert.Contains(t, string(sealed.PrivateKey), sealedBlockType)

	opened, err := Open(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, m.ID(), opened.ID())

	sig, err := opened.Sign([]byte("x"))
	require.NoError(t, err)
	assert.True(t, m.Verify([]byte("x"), sig))

	_, err = Open(sealed, "wrong")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := Open(Sealed{PrivateKey: []byte("not pem")}, "pw")
	assert.ErrorIs(t, err, ErrInvalidKeyData)
}

type memoryStore struct {
	mu   sync.Mutex
	keys map[string]Sealed
	err  error
}

func (s *memoryStore) LoadKey(_ context.Context, name string) (Sealed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Sealed{}, s.err
	}
	k, ok := s.keys[name]
	if !ok {
		return Sealed{}, ErrNotFound
	}
	return k, nil
}

func (s *memoryStore) SaveKey(_ context.Context, name string, key Sealed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		s.keys = map[string]Sealed{}
	}
	s.keys[name] = key
	return nil
}

func TestLoadOrGenerate(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}

	first, created, err := LoadOrGenerate(ctx, store, "server", "pw")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrGenerate(ctx, store, "server", "pw")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID(), second.ID())

	_, _, err = LoadOrGenerate(ctx, store, "server", "other")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestRegenerateInvalidatesOldSignatures(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{}

	old, _, err := LoadOrGenerate(ctx, store, "server", "pw")
	require.NoError(t, err)
	sig, err := old.Sign([]byte("token"))
	require.NoError(t, err)

	fresh, err := Regenerate(ctx, store, "server", "pw")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.False(t, fresh.Verify([]byte("token"), sig))
}

func TestLoadOrGenerateStoreFailure(t *testing.T) {
	store := &memoryStore{err: errors.New("disk on fire")}
	_, _, err := LoadOrGenerate(context.Background(), store, "server", "pw")
	require.Error(t, err)
}
