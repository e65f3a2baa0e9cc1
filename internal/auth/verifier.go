// Package auth identifies the acting user of a request from a bearer token.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ModeHeader trusts the X-User header; used behind an authenticating proxy.
	ModeHeader = "header"
	// ModeHMAC verifies HS256 tokens with a shared secret.
	ModeHMAC = "hmac"
	// ModeJWKS verifies RS256 tokens against keys published at a JWKS URL.
	ModeJWKS = "jwks"
)

var ErrUnauthenticated = errors.New("auth: unauthenticated")

type Config struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret"`
	JWKSURL    string `yaml:"jwks_url"`
	UserClaim  string `yaml:"user_claim"`
}

// Verifier validates bearer tokens and extracts the user claim.
type Verifier struct {
	mode      string
	secret    []byte
	jwksURL   string
	userClaim string
	http      *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	lastFetch time.Time
	cacheTTL  time.Duration
}

func NewVerifier(cfg Config) (*Verifier, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeHeader
	}
	v := &Verifier{
		mode:      mode,
		secret:    []byte(cfg.HMACSecret),
		jwksURL:   cfg.JWKSURL,
		userClaim: cfg.UserClaim,
		http:      &http.Client{Timeout: 5 * time.Second},
		cacheTTL:  10 * time.Minute,
	}
	if v.userClaim == "" {
		v.userClaim = "sub"
	}
	switch mode {
	case ModeHeader:
	case ModeHMAC:
		if len(v.secret) == 0 {
			return nil, errors.New("auth: hmac mode requires a secret")
		}
	case ModeJWKS:
		if v.jwksURL == "" {
			return nil, errors.New("auth: jwks mode requires a JWKS URL")
		}
	default:
		return nil, fmt.Errorf("auth: unsupported mode %q", cfg.Mode)
	}
	return v, nil
}

func (v *Verifier) Mode() string { return v.mode }

// User returns the acting user of r. In header mode it is X-User (possibly
// empty); otherwise a valid bearer token is required.
func (v *Verifier) User(r *http.Request) (string, error) {
	if v.mode == ModeHeader {
		return strings.TrimSpace(r.Header.Get("X-User")), nil
	}
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	return v.Verify(strings.TrimSpace(authz[7:]))
}

// Verify checks the token signature and expiry and returns the user claim.
func (v *Verifier) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc, jwt.WithValidMethods(v.methods()))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	user, _ := claims[v.userClaim].(string)
	if user == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrUnauthenticated, v.userClaim)
	}
	return user, nil
}

func (v *Verifier) methods() []string {
	if v.mode == ModeJWKS {
		return []string{jwt.SigningMethodRS256.Alg()}
	}
	return []string{jwt.SigningMethodHS256.Alg()}
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	switch v.mode {
	case ModeHMAC:
		return v.secret, nil
	case ModeJWKS:
		kid, _ := t.Header["kid"].(string)
		return v.publicKey(kid)
	}
	return nil, jwt.ErrTokenUnverifiable
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) publicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	stale := time.Since(v.lastFetch) > v.cacheTTL
	v.mu.RUnlock()
	if ok && !stale {
		return key, nil
	}
	if err := v.fetchJWKS(); err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("kid %q not found in JWKS", kid)
}

func (v *Verifier) fetchJWKS() error {
	resp, err := v.http.Get(v.jwksURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: http %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return err
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return err
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
	}
	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}
