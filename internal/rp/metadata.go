package rp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// ProviderMetadata is the OIDC discovery document (the fields we consume).
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	IDTokenSigningAlgs    []string `json:"id_token_signing_alg_values_supported,omitempty"`
}

const discoveryCacheKey = "discovery"

// Discover fetches {issuer}/.well-known/openid-configuration. The result is
// cached for the lifetime of the client instance; concurrent callers share a
// single fetch. Explicitly configured endpoints always take precedence over
// the discovered ones (see endpoints()).
func (c *Client) Discover(ctx context.Context) (*ProviderMetadata, error) {
	if v, ok := c.cache.Get(discoveryCacheKey); ok {
		return v.(*ProviderMetadata), nil
	}
	if c.cfg.Issuer == "" {
		return nil, &ConfigurationError{Reason: "no issuer configured for discovery"}
	}

	v, err, _ := c.group.Do(discoveryCacheKey, func() (any, error) {
		return c.fetchDiscovery(ctx)
	})
	if err != nil {
		return nil, err
	}
	md := v.(*ProviderMetadata)
	c.cache.Set(discoveryCacheKey, md, 0) // instance lifetime
	return md, nil
}

func (c *Client) fetchDiscovery(ctx context.Context) (*ProviderMetadata, error) {
	u := strings.TrimRight(c.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &ConfigurationError{Reason: "bad issuer url: " + c.cfg.Issuer}
	}
	resp, err := c.roundTrip("discovery", req)
	if err != nil {
		return nil, &NetworkError{Op: "discovery", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logBody(ctx, "discovery", resp.StatusCode, resp.Body)
		return nil, &ProtocolError{Op: "discovery", Status: resp.StatusCode}
	}

	var md ProviderMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&md); err != nil {
		return nil, &ProtocolError{Op: "discovery", Status: resp.StatusCode}
	}
	return &md, nil
}

// endpoints resolves the effective endpoint set: configured values win, the
// discovery document fills the rest. Discovery is only contacted when some
// endpoint is actually missing, so OAuth2-only providers never hit it.
func (c *Client) endpoints(ctx context.Context) (Endpoints, error) {
	eff := Endpoints{
		Authorization: c.cfg.Endpoints.Authorization,
		Token:         c.cfg.Endpoints.Token,
		UserInfo:      c.cfg.Endpoints.UserInfo,
		JWKS:          c.cfg.Endpoints.JWKS,
	}
	needDiscovery := (eff.Authorization == "" || eff.Token == "") ||
		(c.cfg.Kind.OIDC() && eff.JWKS == "")
	if !needDiscovery {
		return eff, nil
	}

	md, err := c.Discover(ctx)
	if err != nil {
		return Endpoints{}, err
	}
	if eff.Authorization == "" {
		eff.Authorization = md.AuthorizationEndpoint
	}
	if eff.Token == "" {
		eff.Token = md.TokenEndpoint
	}
	if eff.UserInfo == "" {
		eff.UserInfo = md.UserInfoEndpoint
	}
	if eff.JWKS == "" {
		eff.JWKS = md.JWKSURI
	}
	if eff.Authorization == "" || eff.Token == "" {
		return Endpoints{}, &ConfigurationError{Reason: "provider exposes no authorization/token endpoint"}
	}
	return eff, nil
}

// Endpoints is the effective endpoint set after merging config and discovery.
type Endpoints struct {
	Authorization string
	Token         string
	UserInfo      string
	JWKS          string
}
