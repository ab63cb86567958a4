// Package rp implements the relying-party side of OIDC/OAuth2: authorization
// request construction with PKCE, code exchange, full OIDC Core 1.0 ID-token
// validation, userinfo fallback and token refresh.
//
// A Client is built per provider config. Its discovery and JWKS caches are a
// per-instance performance optimization only; correctness never depends on
// them being shared or durable.
package rp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/observability/logger"
	"github.com/fedgate/fedgate/internal/provider"
)

// maxBodyBytes bounds how much of any provider response we read, and how much
// of an error body ends up in server logs.
const maxBodyBytes = 64 << 10

// Client is a per-provider RP client.
type Client struct {
	cfg   *provider.Config
	http  *http.Client
	cache *gocache.Cache
	group singleflight.Group

	now func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient injects the transport. The host owns timeout and proxy
// policy; the core never builds its own transport behavior.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds a client for the given provider config.
func New(cfg *provider.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: 10 * time.Second},
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// AuthRequest carries the per-attempt parameters for the authorization URL.
type AuthRequest struct {
	State        string
	Nonce        string
	CodeVerifier string
	RedirectURI  string

	Prompt    string
	LoginHint string
	MaxAge    time.Duration
	ACRValues string
}

// AuthorizationURL builds the provider authorization URL with
// response_type=code and a PKCE S256 challenge.
func (c *Client) AuthorizationURL(ctx context.Context, req AuthRequest) (string, error) {
	eps, err := c.endpoints(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(eps.Authorization)
	if err != nil {
		return "", &ConfigurationError{Reason: "bad authorization endpoint"}
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	q.Set("state", req.State)
	if req.Nonce != "" {
		q.Set("nonce", req.Nonce)
	}
	if req.CodeVerifier != "" {
		q.Set("code_challenge", S256Challenge(req.CodeVerifier))
		q.Set("code_challenge_method", "S256")
	}
	if req.Prompt != "" {
		q.Set("prompt", req.Prompt)
	}
	if req.LoginHint != "" {
		q.Set("login_hint", req.LoginHint)
	}
	if req.MaxAge > 0 {
		q.Set("max_age", strconv.FormatInt(int64(req.MaxAge/time.Second), 10))
	}
	if req.ACRValues != "" {
		q.Set("acr_values", req.ACRValues)
	}
	if g := c.cfg.Quirks.Google; g != nil && g.HostedDomain != "" {
		q.Set("hd", g.HostedDomain)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TokenSet is the token endpoint response. Transient wire value; the core
// never persists it itself.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Exchange posts the authorization_code grant with the PKCE verifier.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return c.tokenGrant(ctx, "exchange", form)
}

// Refresh runs the refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	return c.tokenGrant(ctx, "refresh", form)
}

func (c *Client) tokenGrant(ctx context.Context, op string, form url.Values) (*TokenSet, error) {
	eps, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, eps.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ConfigurationError{Reason: "bad token endpoint"}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json") // GitHub answers form-encoded without it

	resp, err := c.roundTrip(op, req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logBody(ctx, op, resp.StatusCode, resp.Body)
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode}
	}

	var ts TokenSet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&ts); err != nil {
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode}
	}
	if ts.AccessToken == "" && ts.IDToken == "" {
		// GitHub reports grant errors with a 200 and an error field.
		c.logBody(ctx, op, resp.StatusCode, strings.NewReader("empty token response"))
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode}
	}
	return &ts, nil
}

// UserInfo fetches the userinfo document with a bearer token. This is the
// identity path for OAuth2-only providers that issue no ID token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	eps, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}
	if eps.UserInfo == "" {
		return nil, &ConfigurationError{Reason: "provider exposes no userinfo endpoint"}
	}
	claims, err := c.bearerJSON(ctx, "userinfo", eps.UserInfo, accessToken)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(claims, &m); err != nil {
		return nil, &ProtocolError{Op: "userinfo", Status: http.StatusOK}
	}
	return m, nil
}

// githubEmail is one entry of GitHub's /user/emails response.
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// PrimaryVerifiedEmail fetches the verified primary address for GitHub kinds
// whose profile email is private. Returns ("", false, nil) when none exists.
func (c *Client) PrimaryVerifiedEmail(ctx context.Context, accessToken string) (string, bool, error) {
	endpoint := c.cfg.EmailsEndpoint()
	if endpoint == "" {
		return "", false, nil
	}
	raw, err := c.bearerJSON(ctx, "emails", endpoint, accessToken)
	if err != nil {
		return "", false, err
	}
	var emails []githubEmail
	if err := json.Unmarshal(raw, &emails); err != nil {
		return "", false, &ProtocolError{Op: "emails", Status: http.StatusOK}
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) bearerJSON(ctx context.Context, op, endpoint, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ConfigurationError{Reason: "bad " + op + " endpoint"}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.roundTrip(op, req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logBody(ctx, op, resp.StatusCode, resp.Body)
		return nil, &ProtocolError{Op: op, Status: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// roundTrip executes the request and observes its latency per provider/op.
func (c *Client) roundTrip(op string, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ProviderRoundTrip.WithLabelValues(c.cfg.Slug, op).Observe(time.Since(start).Seconds())
	return resp, err
}

// logBody records an upstream error body server-side only, truncated. The
// body never travels into returned errors.
func (c *Client) logBody(ctx context.Context, op string, status int, body io.Reader) {
	b, _ := io.ReadAll(io.LimitReader(body, 2048))
	logger.From(ctx).Warn("provider returned error response",
		logger.Component("rp"),
		logger.Op(op),
		logger.ProviderID(c.cfg.ID),
		logger.Status(status),
		zap.ByteString("body_truncated", b),
	)
}
