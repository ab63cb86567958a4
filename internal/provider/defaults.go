package provider

import "strings"

// Well-known endpoints for the built-in kinds. Configured endpoints always
// win; these only fill gaps so tenants don't have to copy boilerplate.
const (
	googleIssuer = "https://accounts.google.com"

	microsoftAuthorityBase = "https://login.microsoftonline.com"

	githubAuthEndpoint  = "https://github.com/login/oauth/authorize"
	githubTokenEndpoint = "https://github.com/login/oauth/access_token"
	githubUserEndpoint  = "https://api.github.com/user"
	githubEmailEndpoint = "https://api.github.com/user/emails"
)

// ApplyDefaults fills issuer/endpoints/scopes for the built-in kinds.
// Returns the receiver for chaining in tests.
func (c *Config) ApplyDefaults() *Config {
	switch c.Kind {
	case KindGoogle:
		if c.Issuer == "" {
			c.Issuer = googleIssuer
		}
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "email", "profile"}
		}
	case KindMicrosoft:
		if c.Issuer == "" {
			tenant := "common"
			if q := c.Quirks.Microsoft; q != nil {
				switch q.TenantType {
				case MicrosoftTenantSpecific:
					tenant = q.TenantID
				case "":
				default:
					tenant = string(q.TenantType)
				}
			}
			c.Issuer = microsoftAuthorityBase + "/" + tenant + "/v2.0"
		}
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "email", "profile"}
		}
	case KindGitHub:
		base := ""
		if q := c.Quirks.GitHub; q != nil {
			base = strings.TrimRight(q.EnterpriseBaseURL, "/")
		}
		if c.Endpoints.Authorization == "" {
			c.Endpoints.Authorization = rebase(githubAuthEndpoint, base, "/login/oauth/authorize")
		}
		if c.Endpoints.Token == "" {
			c.Endpoints.Token = rebase(githubTokenEndpoint, base, "/login/oauth/access_token")
		}
		if c.Endpoints.UserInfo == "" {
			c.Endpoints.UserInfo = rebase(githubUserEndpoint, base, "/api/v3/user")
		}
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"read:user", "user:email"}
		}
		if c.AttributeMap == nil {
			// GitHub's user document is not OIDC-shaped.
			c.AttributeMap = AttributeMap{
				"sub":     "id",
				"picture": "avatar_url",
			}
		}
	}
	return c
}

// EmailsEndpoint returns the address-list endpoint for GitHub kinds.
func (c *Config) EmailsEndpoint() string {
	if c.Kind != KindGitHub {
		return ""
	}
	if q := c.Quirks.GitHub; q != nil && q.EnterpriseBaseURL != "" {
		return strings.TrimRight(q.EnterpriseBaseURL, "/") + "/api/v3/user/emails"
	}
	return githubEmailEndpoint
}

func rebase(def, base, path string) string {
	if base == "" {
		return def
	}
	return base + path
}
