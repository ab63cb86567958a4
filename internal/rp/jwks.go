package rp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// jwk is a single key from the provider's key set (RFC 7517). Only RSA and
// EC keys are materialized; other types are skipped.
type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

const (
	jwksCacheKey = "jwks"
	jwksCacheTTL = time.Hour
)

type cachedJWKS struct {
	set  *jwkSet
	etag string
}

// jwks returns the provider key set. Cached for an hour per client instance;
// forceRefresh bypasses the cache (the signature-failure retry path). The
// previous ETag is revalidated to keep the refresh cheap.
func (c *Client) jwks(ctx context.Context, forceRefresh bool) (*jwkSet, error) {
	var prev *cachedJWKS
	if v, ok := c.cache.Get(jwksCacheKey); ok {
		prev = v.(*cachedJWKS)
		if !forceRefresh {
			return prev.set, nil
		}
	}

	eps, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	if eps.JWKS == "" {
		return nil, &ConfigurationError{Reason: "provider exposes no jwks endpoint"}
	}

	key := jwksCacheKey
	if forceRefresh {
		key = "jwks-refresh"
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetchJWKS(ctx, eps.JWKS, prev)
	})
	if err != nil {
		return nil, err
	}
	cj := v.(*cachedJWKS)
	c.cache.Set(jwksCacheKey, cj, jwksCacheTTL)
	return cj.set, nil
}

func (c *Client) fetchJWKS(ctx context.Context, uri string, prev *cachedJWKS) (*cachedJWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &ConfigurationError{Reason: "bad jwks url"}
	}
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}
	resp, err := c.roundTrip("jwks", req)
	if err != nil {
		return nil, &NetworkError{Op: "jwks", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && prev != nil {
		return prev, nil
	}
	if resp.StatusCode/100 != 2 {
		c.logBody(ctx, "jwks", resp.StatusCode, resp.Body)
		return nil, &ProtocolError{Op: "jwks", Status: resp.StatusCode}
	}

	var set jwkSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&set); err != nil {
		return nil, &ProtocolError{Op: "jwks", Status: resp.StatusCode}
	}
	return &cachedJWKS{set: &set, etag: resp.Header.Get("ETag")}, nil
}

// keyFor finds the key matching kid (or the sole key when the token has no
// kid) and materializes it for the given JWT alg family.
func (set *jwkSet) keyFor(kid, alg string) (any, error) {
	var candidate *jwk
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if kid != "" && k.Kid != kid {
			continue
		}
		if candidate != nil && kid == "" {
			return nil, fmt.Errorf("%w: multiple keys and token has no kid", errKeyNotFound)
		}
		candidate = k
		if kid != "" {
			break
		}
	}
	if candidate == nil {
		return nil, errKeyNotFound
	}

	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return candidate.rsaKey()
	case strings.HasPrefix(alg, "ES"):
		return candidate.ecKey()
	default:
		return nil, fmt.Errorf("%w: unsupported alg %s", errKeyNotFound, alg)
	}
}

func (k *jwk) rsaKey() (*rsa.PublicKey, error) {
	if !strings.EqualFold(k.Kty, "RSA") {
		return nil, fmt.Errorf("%w: key %s is %s, want RSA", errKeyNotFound, k.Kid, k.Kty)
	}
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("%w: bad modulus", errKeyNotFound)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("%w: bad exponent", errKeyNotFound)
	}
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		e = 65537
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func (k *jwk) ecKey() (*ecdsa.PublicKey, error) {
	if !strings.EqualFold(k.Kty, "EC") {
		return nil, fmt.Errorf("%w: key %s is %s, want EC", errKeyNotFound, k.Kid, k.Kty)
	}
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("%w: unsupported curve %s", errKeyNotFound, k.Crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("%w: bad x", errKeyNotFound)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: bad y", errKeyNotFound)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}, nil
}
