package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderMode(t *testing.T) {
	v, err := NewVerifier(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeHeader, v.Mode())

	r := httptest.NewRequest(http.MethodPost, "/v1/changes", nil)
	r.Header.Set("X-User", " alice ")
	user, err := v.User(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier(Config{Mode: "hmac"})
	assert.Error(t, err)
	_, err = NewVerifier(Config{Mode: "jwks"})
	assert.Error(t, err)
	_, err = NewVerifier(Config{Mode: "basic"})
	assert.Error(t, err)
}

func TestHMACMode(t *testing.T) {
	v, err := NewVerifier(Config{Mode: ModeHMAC, HMACSecret: "k"})
	require.NoError(t, err)

	sign := func(claims jwt.MapClaims, key string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+sign(jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()}, "k"))
	user, err := v.User(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = v.Verify(sign(jwt.MapClaims{"sub": "alice"}, "wrong"))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = v.Verify(sign(jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()}, "k"))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = v.Verify(sign(jwt.MapClaims{"name": "alice"}, "k"))
	assert.ErrorIs(t, err, ErrUnauthenticated)

	r.Header.Del("Authorization")
	r.Header.Set("X-User", "mallory")
	_, err = v.User(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJWKSMode(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	v, err := NewVerifier(Config{Mode: ModeJWKS, JWKSURL: srv.URL, UserClaim: "preferred_username"})
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"preferred_username": "bob"})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	require.NoError(t, err)

	user, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	tok.Header["kid"] = "unknown"
	signed, err = tok.SignedString(key)
	require.NoError(t, err)
	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
