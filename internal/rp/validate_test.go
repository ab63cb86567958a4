package rp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/fedgate/fedgate/internal/provider"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func genRSA(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	return key
}

func jwkRSA(kid string, pub *rsa.PublicKey) jwk {
	return jwk{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// jwksFixture is a swappable JWKS endpoint that counts fetches.
type jwksFixture struct {
	srv     *httptest.Server
	mu      sync.Mutex
	set     jwkSet
	fetches int64
}

func newJWKSFixture(t *testing.T, keys ...jwk) *jwksFixture {
	t.Helper()
	f := &jwksFixture{set: jwkSet{Keys: keys}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&f.fetches, 1)
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.set)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *jwksFixture) swap(keys ...jwk) {
	f.mu.Lock()
	f.set = jwkSet{Keys: keys}
	f.mu.Unlock()
}

func (f *jwksFixture) count() int64 { return atomic.LoadInt64(&f.fetches) }

func newTestClient(t *testing.T, f *jwksFixture, mutate func(*provider.Config)) *Client {
	t.Helper()
	cfg := &provider.Config{
		ID:       "p1",
		TenantID: "t1",
		Slug:     "idp",
		Kind:     provider.KindOIDC,
		Issuer:   "https://idp.example",
		ClientID: "client-1",
		Endpoints: provider.Endpoints{
			Authorization: "https://idp.example/authorize",
			Token:         "https://idp.example/token",
			JWKS:          f.srv.URL,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	return c
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwtv5.MapClaims) string {
	t.Helper()
	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims() jwtv5.MapClaims {
	return jwtv5.MapClaims{
		"iss":            "https://idp.example",
		"aud":            "client-1",
		"sub":            "subject-1",
		"nonce":          "n1",
		"exp":            testNow.Add(time.Hour).Unix(),
		"iat":            testNow.Add(-time.Minute).Unix(),
		"email":          "jo@example.com",
		"email_verified": true,
		"name":           "Jo",
	}
}

func TestValidateIDToken_Valid(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	claims := baseClaims()
	claims["department"] = "platform"
	id, err := c.ValidateIDToken(context.Background(), signToken(t, key, "k1", claims), ValidateOptions{Nonce: "n1"})
	if err != nil {
		t.Fatalf("ValidateIDToken err: %v", err)
	}
	if id.Subject != "subject-1" || id.Email != "jo@example.com" || !id.EmailVerified {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.Extra["department"] != "platform" {
		t.Fatalf("unrecognized claim not in Extra: %+v", id.Extra)
	}
	if _, ok := id.Extra["email"]; ok {
		t.Fatalf("recognized claim leaked into Extra")
	}
	if f.count() != 1 {
		t.Fatalf("jwks fetched %d times, want 1", f.count())
	}
}

func TestValidateIDToken_ChecksRejectIndividually(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	cases := []struct {
		name   string
		mutate func(jwtv5.MapClaims)
		// sign overrides the default good-key signing for the case.
		sign  func(t *testing.T, claims jwtv5.MapClaims) string
		opts  ValidateOptions
		check Check
	}{
		{
			name:   "forged signature",
			mutate: func(m jwtv5.MapClaims) {},
			sign: func(t *testing.T, m jwtv5.MapClaims) string {
				return signToken(t, genRSA(t), "k1", m)
			},
			opts:  ValidateOptions{Nonce: "n1"},
			check: CheckSignature,
		},
		{
			name:   "issuer mismatch",
			mutate: func(m jwtv5.MapClaims) { m["iss"] = "https://evil.example" },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckIssuer,
		},
		{
			name:   "audience missing client",
			mutate: func(m jwtv5.MapClaims) { m["aud"] = []string{"other-1", "other-2"} },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckAudience,
		},
		{
			name:   "nonce mismatch",
			mutate: func(m jwtv5.MapClaims) { m["nonce"] = "stolen" },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckNonce,
		},
		{
			name:   "expired",
			mutate: func(m jwtv5.MapClaims) { m["exp"] = testNow.Add(-time.Minute).Unix() },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckExpiry,
		},
		{
			name:   "missing exp",
			mutate: func(m jwtv5.MapClaims) { delete(m, "exp") },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckExpiry,
		},
		{
			name:   "iat too far in the future",
			mutate: func(m jwtv5.MapClaims) { m["iat"] = testNow.Add(5 * time.Minute).Unix() },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckExpiry,
		},
		{
			name:   "azp mismatch",
			mutate: func(m jwtv5.MapClaims) { m["aud"] = []string{"client-1", "other"}; m["azp"] = "other" },
			opts:   ValidateOptions{Nonce: "n1"},
			check:  CheckAuthorizedParty,
		},
		{
			name:   "auth_time missing with max_age",
			mutate: func(m jwtv5.MapClaims) {},
			opts:   ValidateOptions{Nonce: "n1", MaxAge: 5 * time.Minute},
			check:  CheckAuthTime,
		},
		{
			name:   "auth_time too old",
			mutate: func(m jwtv5.MapClaims) { m["auth_time"] = testNow.Add(-time.Hour).Unix() },
			opts:   ValidateOptions{Nonce: "n1", MaxAge: 5 * time.Minute},
			check:  CheckAuthTime,
		},
		{
			name:   "at_hash mismatch",
			mutate: func(m jwtv5.MapClaims) { m["at_hash"] = "bogus" },
			opts:   ValidateOptions{Nonce: "n1", AccessToken: "tok-1"},
			check:  CheckTokenHash,
		},
		{
			name:   "c_hash mismatch",
			mutate: func(m jwtv5.MapClaims) { m["c_hash"] = "bogus" },
			opts:   ValidateOptions{Nonce: "n1", Code: "code-1"},
			check:  CheckTokenHash,
		},
		{
			name:   "acr absent but requested",
			mutate: func(m jwtv5.MapClaims) {},
			opts:   ValidateOptions{Nonce: "n1", ACRValues: "urn:mfa"},
			check:  CheckACR,
		},
		{
			name:   "acr below requested set",
			mutate: func(m jwtv5.MapClaims) { m["acr"] = "urn:pwd" },
			opts:   ValidateOptions{Nonce: "n1", ACRValues: "urn:mfa urn:hw"},
			check:  CheckACR,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)
			token := ""
			if tc.sign != nil {
				token = tc.sign(t, claims)
			} else {
				token = signToken(t, key, "k1", claims)
			}
			_, err := c.ValidateIDToken(context.Background(), token, tc.opts)
			if !IsValidation(err, tc.check) {
				t.Fatalf("want %s validation error, got %v", tc.check, err)
			}
		})
	}
}

func TestValidateIDToken_AcceptsCorrectHashesAndACR(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	atHash, err := leftHalfHash("RS256", "tok-1")
	if err != nil {
		t.Fatalf("leftHalfHash: %v", err)
	}
	cHash, err := leftHalfHash("RS256", "code-1")
	if err != nil {
		t.Fatalf("leftHalfHash: %v", err)
	}

	claims := baseClaims()
	claims["at_hash"] = atHash
	claims["c_hash"] = cHash
	claims["acr"] = "urn:mfa"
	claims["auth_time"] = testNow.Add(-time.Minute).Unix()

	_, err = c.ValidateIDToken(context.Background(), signToken(t, key, "k1", claims), ValidateOptions{
		Nonce:       "n1",
		AccessToken: "tok-1",
		Code:        "code-1",
		MaxAge:      5 * time.Minute,
		ACRValues:   "urn:mfa urn:hw",
	})
	if err != nil {
		t.Fatalf("fully bound token rejected: %v", err)
	}
}

func TestValidateIDToken_HashAbsentIsSkipped(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	// No at_hash/c_hash claims: the checks do not apply even though the
	// caller supplied the inputs.
	_, err := c.ValidateIDToken(context.Background(), signToken(t, key, "k1", baseClaims()), ValidateOptions{
		Nonce:       "n1",
		AccessToken: "tok-1",
		Code:        "code-1",
	})
	if err != nil {
		t.Fatalf("token without hash claims rejected: %v", err)
	}
}

func TestValidateIDToken_RefreshRetryOnRotatedKey(t *testing.T) {
	t.Parallel()
	oldKey := genRSA(t)
	newKey := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k-old", &oldKey.PublicKey))
	c := newTestClient(t, f, nil)

	// Prime the cache with the old set.
	if _, err := c.ValidateIDToken(context.Background(), signToken(t, oldKey, "k-old", baseClaims()), ValidateOptions{Nonce: "n1"}); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("prime fetched %d times", f.count())
	}

	// The provider rotated; the token now carries an unknown kid. One forced
	// refresh must pick up the new key.
	f.swap(jwkRSA("k-old", &oldKey.PublicKey), jwkRSA("k-new", &newKey.PublicKey))
	if _, err := c.ValidateIDToken(context.Background(), signToken(t, newKey, "k-new", baseClaims()), ValidateOptions{Nonce: "n1"}); err != nil {
		t.Fatalf("post-rotation token rejected: %v", err)
	}
	if f.count() != 2 {
		t.Fatalf("jwks fetched %d times, want 2 (one refresh)", f.count())
	}
}

func TestValidateIDToken_RetriesAtMostOnce(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	stranger := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	// Token signed by a key the provider never publishes: the refresh cannot
	// help, and there must be exactly one.
	_, err := c.ValidateIDToken(context.Background(), signToken(t, stranger, "k-unknown", baseClaims()), ValidateOptions{Nonce: "n1"})
	if !IsValidation(err, CheckSignature) {
		t.Fatalf("want signature validation error, got %v", err)
	}
	if f.count() != 2 {
		t.Fatalf("jwks fetched %d times, want 2", f.count())
	}
}

func TestValidateIDToken_NonSignatureFailureNeverRefreshes(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	claims := baseClaims()
	claims["nonce"] = "stolen"
	_, err := c.ValidateIDToken(context.Background(), signToken(t, key, "k1", claims), ValidateOptions{Nonce: "n1"})
	if !IsValidation(err, CheckNonce) {
		t.Fatalf("want nonce error, got %v", err)
	}
	if f.count() != 1 {
		t.Fatalf("nonce failure triggered a jwks refresh (%d fetches)", f.count())
	}
}

func TestValidateIDToken_RejectsHMAC(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, nil)

	tok := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, baseClaims())
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString([]byte("client-1-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := c.ValidateIDToken(context.Background(), signed, ValidateOptions{Nonce: "n1"}); err == nil {
		t.Fatalf("HS256 token accepted")
	}
}

func TestCheckIssuer_MicrosoftMultiTenant(t *testing.T) {
	t.Parallel()
	key := genRSA(t)
	f := newJWKSFixture(t, jwkRSA("k1", &key.PublicKey))
	c := newTestClient(t, f, func(cfg *provider.Config) {
		cfg.Kind = provider.KindMicrosoft
		cfg.Issuer = "https://login.microsoftonline.com/common/v2.0"
		cfg.Quirks = provider.Quirks{Microsoft: &provider.MicrosoftQuirks{TenantType: provider.MicrosoftTenantCommon}}
	})

	ok := []string{
		"https://login.microsoftonline.com/9188040d-6c67-4c5b-b112-36a304b66dad/v2.0",
		"https://login.microsoftonline.com/deadbeef-0000-1111-2222-333344445555/v2.0",
	}
	for _, iss := range ok {
		claims := baseClaims()
		claims["iss"] = iss
		if _, err := c.ValidateIDToken(context.Background(), signToken(t, key, "k1", claims), ValidateOptions{Nonce: "n1"}); err != nil {
			t.Fatalf("issuer %q rejected: %v", iss, err)
		}
	}

	bad := []string{
		"https://login.microsoftonline.com.evil.example/9188040d/v2.0",
		"https://evil.example/https://login.microsoftonline.com/9188040d/v2.0",
		"https://login.microsoftonline.com/9188040d/v2.0/extra",
		"https://login.microsoftonline.com/UPPER-CASE/v2.0",
		"https://login.microsoftonline.com//v2.0",
	}
	for _, iss := range bad {
		claims := baseClaims()
		claims["iss"] = iss
		_, err := c.ValidateIDToken(context.Background(), signToken(t, key, "k1", claims), ValidateOptions{Nonce: "n1"})
		if !IsValidation(err, CheckIssuer) {
			t.Fatalf("issuer %q: want issuer error, got %v", iss, err)
		}
	}
}

func TestNormalizeClaims(t *testing.T) {
	t.Parallel()
	id := NormalizeClaims(map[string]any{
		"id":             float64(584215),
		"avatar_url":     "https://avatars.example/u/584215",
		"email":          "jo@example.com",
		"email_verified": "true",
		"login":          "jo-dev",
	}, provider.AttributeMap{"sub": "id", "picture": "avatar_url"})

	if id.Subject != "584215" {
		t.Fatalf("numeric subject: %q", id.Subject)
	}
	if id.Picture != "https://avatars.example/u/584215" {
		t.Fatalf("picture: %q", id.Picture)
	}
	if !id.EmailVerified {
		t.Fatalf("string \"true\" not accepted for email_verified")
	}
	if id.Extra["login"] != "jo-dev" {
		t.Fatalf("extra: %+v", id.Extra)
	}
}
