package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// jwksMinRefresh bounds how often an unknown kid may trigger a refetch, so
// a flood of forged tokens cannot stampede the identity provider.
const jwksMinRefresh = 30 * time.Second

var errMissingKid = errors.New("token header missing kid")

// jwk holds the members of an RFC 7517 key needed to rebuild RSA and EC
// public keys. Everything else in the set is ignored.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// KeySet fetches verification keys from a JWKS endpoint and caches them by
// kid. An unknown kid triggers one refetch per refresh window.
type KeySet struct {
	url    string
	client *http.Client

	mu          sync.Mutex
	keys        map[string]interface{}
	lastRefresh time.Time
	minRefresh  time.Duration
}

func NewKeySet(url string) *KeySet {
	return &KeySet{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		keys:       map[string]interface{}{},
		minRefresh: jwksMinRefresh,
	}
}

// Key returns the public key for kid, refetching the set when the kid is
// unknown and the refresh window has passed.
func (ks *KeySet) Key(ctx context.Context, kid string) (interface{}, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	if time.Since(ks.lastRefresh) < ks.minRefresh {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if err := ks.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (ks *KeySet) refreshLocked(ctx context.Context) error {
	ks.lastRefresh = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		pub, err := k.publicKey()
		if err != nil {
			// One bad entry must not poison the usable ones.
			continue
		}
		keys[k.Kid] = pub
	}
	ks.keys = keys
	return nil
}

func (k jwk) publicKey() (interface{}, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decode modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decode exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decode x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decode y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}
