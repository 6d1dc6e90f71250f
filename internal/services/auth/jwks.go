package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/freva-org/freva-rest/internal/models"
)

// keySet is one immutable JWKS snapshot, indexed by key id.
type keySet struct {
	byKid map[string]interface{}
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func decodeBigInt(value string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// publicKey converts one JWK into its crypto counterpart. Only RSA and the
// NIST curves appear in practice; anything else is skipped.
func (k jwk) publicKey() (interface{}, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt(k.N)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad modulus: %w", k.Kid, err)
		}
		e, err := decodeBigInt(k.E)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad exponent: %w", k.Kid, err)
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
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
			return nil, fmt.Errorf("jwk %q: unsupported curve %q", k.Kid, k.Crv)
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad x: %w", k.Kid, err)
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return nil, fmt.Errorf("jwk %q: bad y: %w", k.Kid, err)
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, fmt.Errorf("jwk %q: unsupported key type %q", k.Kid, k.Kty)
}

// refreshKeys fetches the JWKS and swaps in a fresh snapshot. Callers hold
// keysMu so concurrent misses trigger a single fetch.
func (m *Mediator) refreshKeys(ctx context.Context) (*keySet, error) {
	doc, err := m.Discover(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.JWKSURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: jwks fetch: %v", models.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks endpoint replied %d", models.ErrBackendUnavailable, resp.StatusCode)
	}
	var jwks jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	byKid := make(map[string]interface{}, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Use == "enc" {
			continue
		}
		pub, err := key.publicKey()
		if err != nil {
			m.logger.Warn().Err(err).Msg("Skipping unusable signing key")
			continue
		}
		byKid[key.Kid] = pub
	}
	snap := &keySet{byKid: byKid}
	m.keys.Store(snap)
	m.logger.Debug().Int("keys", len(byKid)).Msg("JWKS refreshed")
	return snap, nil
}

// signingKey resolves a key id, refreshing the JWKS once when it is not in
// the cached snapshot (key rotation).
func (m *Mediator) signingKey(ctx context.Context, kid string) (interface{}, error) {
	if snap := m.keys.Load(); snap != nil {
		if key, ok := snap.byKid[kid]; ok {
			return key, nil
		}
	}
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	if snap := m.keys.Load(); snap != nil {
		if key, ok := snap.byKid[kid]; ok {
			return key, nil
		}
	}
	snap, err := m.refreshKeys(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := snap.byKid[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: no signing key %q", models.ErrUnauthenticated, kid)
}
