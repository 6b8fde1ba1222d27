package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soauth.org/internal/keys"
)

var alice = UserData{
	UserID:     "0190f4c4-8a3e-7b1c-9d2e-5f6a7b8c9d0e",
	Username:   "alice",
	FullName:   "Alice Liddell",
	Email:      "alice@example.org",
	Grants:     []string{"simonsobs", "beta"},
	GroupNames: []string{"simonsobs"},
	GroupIDs:   []string{"g-1"},
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newCodec(t *testing.T, clock *fakeClock, opts ...Option) (*Codec, *keys.Manager) {
	t.Helper()
	km, err := keys.Generate()
	require.NoError(t, err)
	opts = append([]Option{WithClock(clock.Now), WithIssuer("https://auth.example.org")}, opts...)
	codec, err := NewCodec(km, opts...)
	require.NoError(t, err)
	return codec, km
}

func TestIssueDecodeRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codec, km := newCodec(t, clock, WithAudience("app-1"))

	token, err := codec.Issue(alice, "app-1", clock.t.Add(8*time.Hour))
	require.NoError(t, err)

	cred, err := codec.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, alice, cred.UserData)
	assert.Equal(t, "app-1", cred.AppID)
	assert.Equal(t, km.ID(), cred.KeyID)
	assert.Equal(t, clock.t.Add(8*time.Hour), cred.ExpiresAt)
	assert.True(t, cred.HasGrant("beta"))
	assert.False(t, cred.HasGrant("admin"))
	assert.NotEmpty(t, cred.ID)
}

func TestDecodeExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codec, _ := newCodec(t, clock)

	token, err := codec.Issue(alice, "app-1", clock.t.Add(time.Hour))
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour + time.Second)
	cred, err := codec.Decode(token)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, "alice", cred.Username)
}

func TestDecodeLeewayToleratesSkew(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	codec, _ := newCodec(t, clock, WithLeeway(30*time.Second))

	token, err := codec.Issue(alice, "app-1", clock.t.Add(time.Minute))
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Minute + 10*time.Second)
	_, err = codec.Decode(token)
	require.NoError(t, err)
}

func TestDecodeRejectsOtherKey(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	issuer, _ := newCodec(t, clock)
	verifier, _ := newCodec(t, clock)

	token, err := issuer.Issue(alice, "app-1", clock.t.Add(time.Hour))
	require.NoError(t, err)

	_, err = verifier.Decode(token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeExpiredWithOtherKeyIsBadSignature(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	issuer, _ := newCodec(t, clock)
	verifier, _ := newCodec(t, clock)

	token, err := issuer.Issue(alice, "app-1", clock.t.Add(time.Minute))
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	_, err = verifier.Decode(token)
	assert.ErrorIs(t, err, ErrBadSignature)
	assert.False(t, errors.Is(err, ErrExpired))
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	codec, _ := newCodec(t, clock)

	token, err := codec.Issue(alice, "app-1", clock.t.Add(time.Hour))
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))
	body["grants"] = []string{"admin"}
	forged, err := json.Marshal(body)
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(forged)

	_, err = codec.Decode(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestDecodeMalformed(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	codec, _ := newCodec(t, clock)

	for _, token := range []string{"", "garbage", "a.b.c", "only.two"} {
		_, err := codec.Decode(token)
		assert.ErrorIs(t, err, ErrMalformed, "token %q", token)
	}
}

func TestDecodeRejectsHMACToken(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	codec, _ := newCodec(t, clock)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": alice.UserID,
		"exp": clock.t.Add(time.Hour).Unix(),
		"iat": clock.t.Unix(),
	})
	token, err := forged.SignedString([]byte("guessable"))
	require.NoError(t, err)

	_, err = codec.Decode(token)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExpired))
}

func TestDecodeWrongAudience(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	km, err := keys.Generate()
	require.NoError(t, err)
	issuer, err := NewCodec(km, WithClock(clock.Now))
	require.NoError(t, err)
	verifier, err := NewCodec(km, WithClock(clock.Now), WithAudience("app-2"))
	require.NoError(t, err)

	token, err := issuer.Issue(alice, "app-1", clock.t.Add(time.Hour))
	require.NoError(t, err)

	_, err = verifier.Decode(token)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestIssueValidation(t *testing.T) {
	clock := &fakeClock{t: time.Now().UTC()}
	codec, _ := newCodec(t, clock)

	_, err := codec.Issue(UserData{}, "app-1", clock.t.Add(time.Hour))
	require.Error(t, err)
	_, err = codec.Issue(alice, "app-1", clock.t.Add(-time.Second))
	require.Error(t, err)

	_, err = NewCodec(nil)
	require.Error(t, err)
	km, _ := keys.Generate()
	_, err = NewCodec(km, WithLeeway(time.Hour))
	require.Error(t, err)
}
