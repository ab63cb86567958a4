package rp

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"regexp"
	"strconv"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/observability/logger"
	"github.com/fedgate/fedgate/internal/provider"
)

// iatSkew is the clock-skew allowance for iat and the grace added to max_age.
const iatSkew = 60 * time.Second

var validSigningMethods = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}

// microsoftIssuerRE matches per-tenant Entra issuers. Anchored on the known
// authority host; a substring or prefix check would admit spoofed subdomains.
var microsoftIssuerRE = regexp.MustCompile(`^https://login\.microsoftonline\.com/[a-f0-9-]+/v2\.0$`)

// ValidateOptions binds the token to this specific auth attempt.
type ValidateOptions struct {
	// Nonce is the value bound to the attempt at flow start.
	Nonce string
	// AccessToken enables the at_hash check when the claim is present.
	AccessToken string
	// Code enables the c_hash check when the claim is present.
	Code string
	// MaxAge, when requested at flow start, makes auth_time mandatory.
	MaxAge time.Duration
	// ACRValues is the space-separated acr_values requested at flow start.
	ACRValues string
}

// Identity is the normalized external identity: the closed set of recognized
// claims plus one open extension map. Attribute mapping has already been
// applied when a Config carries one.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Locale        string

	AuthTime *time.Time
	ACR      string
	AMR      []string

	// Extra holds every claim outside the recognized set.
	Extra map[string]any
}

// ValidateIDToken performs the full OIDC Core 1.0 validation chain in order,
// each step fatal on failure:
//
//	signature → issuer → audience → nonce → exp/iat → azp → auth_time →
//	at_hash/c_hash → acr
//
// On a signature-class failure (bad signature or key not found) the JWKS is
// force-refreshed and verification retried exactly once; a second failure
// propagates as-is. No other check is ever retried.
func (c *Client) ValidateIDToken(ctx context.Context, idToken string, opts ValidateOptions) (*Identity, error) {
	tok, err := c.parseAndVerify(ctx, idToken, false)
	if err != nil {
		if !isSignatureClass(err) {
			return nil, err
		}
		logger.From(ctx).Info("signature check failed, refreshing jwks",
			logger.Component("rp"),
			logger.ProviderID(c.cfg.ID),
			logger.Err(err),
		)
		metrics.JWKSRefreshRetries.Inc()
		tok, err = c.parseAndVerify(ctx, idToken, true)
		if err != nil {
			if isSignatureClass(err) {
				// The internal retry sentinel never leaves the package; the
				// caller sees check 1 failing like any other.
				return nil, &ValidationError{Check: CheckSignature, Reason: "signature not verifiable against provider keys", Cause: err}
			}
			return nil, err
		}
	}

	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, &ValidationError{Check: CheckSignature, Reason: "unexpected claims shape"}
	}
	now := c.now().UTC()

	// 2. Issuer.
	if err := c.checkIssuer(claims); err != nil {
		return nil, err
	}

	// 3. Audience.
	aud := audience(claims["aud"])
	if !contains(aud, c.cfg.ClientID) {
		return nil, &ValidationError{Check: CheckAudience, Reason: "audience does not contain client id"}
	}

	// 4. Nonce.
	if got := str(claims, "nonce"); got != opts.Nonce {
		return nil, &ValidationError{Check: CheckNonce, Reason: "nonce does not match this attempt"}
	}

	// 5. exp / iat.
	exp, ok := numericTime(claims["exp"])
	if !ok {
		return nil, &ValidationError{Check: CheckExpiry, Reason: "exp claim missing"}
	}
	if !exp.After(now) {
		return nil, &ValidationError{Check: CheckExpiry, Reason: "token expired"}
	}
	iat, ok := numericTime(claims["iat"])
	if !ok {
		return nil, &ValidationError{Check: CheckExpiry, Reason: "iat claim missing"}
	}
	if iat.After(now.Add(iatSkew)) {
		return nil, &ValidationError{Check: CheckExpiry, Reason: "iat is in the future"}
	}

	// 6. azp. Multiple audiences without azp is a spec SHOULD: log, not fatal.
	if azp := str(claims, "azp"); azp != "" {
		if azp != c.cfg.ClientID {
			return nil, &ValidationError{Check: CheckAuthorizedParty, Reason: "azp does not match client id"}
		}
	} else if len(aud) > 1 {
		logger.From(ctx).Warn("multiple audiences without azp claim",
			logger.Component("rp"),
			logger.ProviderID(c.cfg.ID),
			zap.Strings("aud", aud),
		)
	}

	// 7. auth_time, only when max_age was requested for this attempt.
	var authTime *time.Time
	if t, ok := numericTime(claims["auth_time"]); ok {
		authTime = &t
	}
	if opts.MaxAge > 0 {
		if authTime == nil {
			return nil, &ValidationError{Check: CheckAuthTime, Reason: "auth_time required when max_age requested"}
		}
		if now.Sub(*authTime) > opts.MaxAge+iatSkew {
			return nil, &ValidationError{Check: CheckAuthTime, Reason: "authentication too old for requested max_age"}
		}
	}

	// 8. at_hash / c_hash.
	alg := tok.Method.Alg()
	if opts.AccessToken != "" {
		if want := str(claims, "at_hash"); want != "" {
			got, err := leftHalfHash(alg, opts.AccessToken)
			if err != nil {
				return nil, err
			}
			if got != want {
				return nil, &ValidationError{Check: CheckTokenHash, Reason: "at_hash mismatch"}
			}
		}
	}
	if opts.Code != "" {
		if want := str(claims, "c_hash"); want != "" {
			got, err := leftHalfHash(alg, opts.Code)
			if err != nil {
				return nil, err
			}
			if got != want {
				return nil, &ValidationError{Check: CheckTokenHash, Reason: "c_hash mismatch"}
			}
		}
	}

	// 9. acr: requested values are a floor, not a hint. Absence means the
	// provider authenticated below the requested level; refuse.
	if opts.ACRValues != "" {
		acr := str(claims, "acr")
		if acr == "" {
			return nil, &ValidationError{Check: CheckACR, Reason: "acr absent but acr_values was requested"}
		}
		if !contains(strings.Fields(opts.ACRValues), acr) {
			return nil, &ValidationError{Check: CheckACR, Reason: "acr not in requested set"}
		}
	}

	return normalizeIdentity(map[string]any(claims), c.cfg.AttributeMap), nil
}

func (c *Client) parseAndVerify(ctx context.Context, idToken string, forceRefresh bool) (*jwtv5.Token, error) {
	set, err := c.jwks(ctx, forceRefresh)
	if err != nil {
		return nil, err
	}

	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods(validSigningMethods),
		jwtv5.WithoutClaimsValidation(), // the chain below owns claim checks
	)
	tok, err := parser.Parse(idToken, func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return set.keyFor(kid, t.Method.Alg())
	})
	if err != nil {
		if errors.Is(err, errKeyNotFound) || errors.Is(err, jwtv5.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", errKeyNotFound, err)
		}
		return nil, &ValidationError{Check: CheckSignature, Reason: err.Error()}
	}
	if !tok.Valid {
		return nil, &ValidationError{Check: CheckSignature, Reason: "token not valid after parse"}
	}
	return tok, nil
}

// isSignatureClass reports whether err is eligible for the one forced-refresh
// retry. Anything else (nonce, issuer, network, protocol) never retries.
func isSignatureClass(err error) bool {
	return errors.Is(err, errKeyNotFound) || errors.Is(err, jwtv5.ErrTokenSignatureInvalid)
}

func (c *Client) checkIssuer(claims jwtv5.MapClaims) error {
	iss := str(claims, "iss")
	if q := c.cfg.Quirks.Microsoft; q != nil && q.TenantType.MultiTenant() {
		if !microsoftIssuerRE.MatchString(iss) {
			return &ValidationError{Check: CheckIssuer, Reason: "issuer does not match the Microsoft authority pattern"}
		}
		return nil
	}
	if q := c.cfg.Quirks.OIDC; q != nil && q.SkipIssuerCheck {
		return nil
	}
	if iss != c.cfg.Issuer {
		return &ValidationError{Check: CheckIssuer, Reason: "issuer does not match configuration"}
	}
	return nil
}

// leftHalfHash computes base64url(left half of hash(ascii(value))) where the
// hash is the one implied by the JWT alg (xS256→SHA-256, xS384→SHA-384,
// xS512→SHA-512). Used for at_hash and c_hash.
func leftHalfHash(alg, value string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = sha256.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"):
		h = sha512.New()
	default:
		return "", &ValidationError{Check: CheckTokenHash, Reason: "no hash for alg " + alg}
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// recognized is the closed claim set lifted into Identity fields.
var recognized = map[string]struct{}{
	"sub": {}, "email": {}, "email_verified": {}, "name": {}, "given_name": {},
	"family_name": {}, "picture": {}, "locale": {}, "auth_time": {}, "acr": {}, "amr": {},
	"iss": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "nonce": {}, "azp": {},
	"at_hash": {}, "c_hash": {}, "jti": {},
}

// NormalizeClaims applies an attribute map to a raw claim bag and lifts the
// recognized set into an Identity. Used directly for userinfo responses from
// OAuth2-only providers, which never pass through ValidateIDToken.
func NormalizeClaims(claims map[string]any, amap provider.AttributeMap) *Identity {
	return normalizeIdentity(claims, amap)
}

// normalizeIdentity applies the attribute map, lifts the recognized claims
// and collects the rest into Extra.
func normalizeIdentity(claims map[string]any, amap provider.AttributeMap) *Identity {
	if len(amap) > 0 {
		mapped := make(map[string]any, len(claims))
		for k, v := range claims {
			mapped[k] = v
		}
		for canonical, providerName := range amap {
			if v, ok := claims[providerName]; ok {
				mapped[canonical] = v
			}
		}
		claims = mapped
	}

	id := &Identity{
		Subject:       subjectString(claims["sub"]),
		Email:         strAny(claims["email"]),
		EmailVerified: boolAny(claims["email_verified"]),
		Name:          strAny(claims["name"]),
		GivenName:     strAny(claims["given_name"]),
		FamilyName:    strAny(claims["family_name"]),
		Picture:       strAny(claims["picture"]),
		Locale:        strAny(claims["locale"]),
		ACR:           strAny(claims["acr"]),
	}
	if t, ok := numericTime(claims["auth_time"]); ok {
		id.AuthTime = &t
	}
	if amr, ok := claims["amr"].([]any); ok {
		for _, v := range amr {
			if s, ok := v.(string); ok {
				id.AMR = append(id.AMR, s)
			}
		}
	}
	for k, v := range claims {
		if _, ok := recognized[k]; ok {
			continue
		}
		if id.Extra == nil {
			id.Extra = make(map[string]any)
		}
		id.Extra[k] = v
	}
	return id
}

func audience(v any) []string {
	switch a := v.(type) {
	case string:
		return []string{a}
	case []any:
		out := make([]string, 0, len(a))
		for _, e := range a {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return a
	}
	return nil
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}

func str(m jwtv5.MapClaims, k string) string {
	s, _ := m[k].(string)
	return s
}

func strAny(v any) string {
	s, _ := v.(string)
	return s
}

// subjectString tolerates numeric subjects (GitHub's userinfo id is a number).
func subjectString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatInt(int64(s), 10)
	case json.Number:
		return s.String()
	}
	return ""
}

// boolAny tolerates providers that send email_verified as the string "true".
func boolAny(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return false
}

func numericTime(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0).UTC(), true
	case int64:
		return time.Unix(n, 0).UTC(), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return time.Unix(i, 0).UTC(), true
		}
	}
	return time.Time{}, false
}
