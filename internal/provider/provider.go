package provider

import (
	"context"
	"errors"
)

// Kind identifies the provider family. It selects the quirks variant and the
// protocol shape (OIDC with ID tokens vs plain OAuth2 with a userinfo call).
type Kind string

const (
	KindGoogle    Kind = "google"
	KindMicrosoft Kind = "microsoft"
	KindGitHub    Kind = "github"
	KindOIDC      Kind = "oidc"   // generic spec-compliant OIDC
	KindOAuth2    Kind = "oauth2" // generic OAuth2, no ID token
)

// OIDC reports whether the provider issues ID tokens.
func (k Kind) OIDC() bool {
	switch k {
	case KindGoogle, KindMicrosoft, KindOIDC:
		return true
	}
	return false
}

// MicrosoftTenantType is the tenant segment of a Microsoft authority URL.
type MicrosoftTenantType string

const (
	MicrosoftTenantCommon        MicrosoftTenantType = "common"
	MicrosoftTenantOrganizations MicrosoftTenantType = "organizations"
	MicrosoftTenantConsumers     MicrosoftTenantType = "consumers"
	MicrosoftTenantSpecific      MicrosoftTenantType = "specific"
)

// MultiTenant reports whether ID tokens will carry per-tenant issuers that
// cannot be matched against the configured issuer by exact string equality.
func (t MicrosoftTenantType) MultiTenant() bool {
	switch t {
	case MicrosoftTenantCommon, MicrosoftTenantOrganizations, MicrosoftTenantConsumers:
		return true
	}
	return false
}

// Quirks is a closed tagged union of per-kind oddities. Exactly one field is
// non-nil, matching Config.Kind; Validate enforces this.
type Quirks struct {
	Google    *GoogleQuirks    `yaml:"google,omitempty" json:"google,omitempty"`
	Microsoft *MicrosoftQuirks `yaml:"microsoft,omitempty" json:"microsoft,omitempty"`
	GitHub    *GitHubQuirks    `yaml:"github,omitempty" json:"github,omitempty"`
	OIDC      *OIDCQuirks      `yaml:"oidc,omitempty" json:"oidc,omitempty"`
	OAuth2    *OAuth2Quirks    `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
}

// GoogleQuirks carries Google-specific options.
type GoogleQuirks struct {
	// HostedDomain restricts sign-in to a Workspace domain (hd param/claim).
	HostedDomain string `yaml:"hosted_domain,omitempty" json:"hosted_domain,omitempty"`
}

// MicrosoftQuirks carries Entra ID options.
type MicrosoftQuirks struct {
	TenantType MicrosoftTenantType `yaml:"tenant_type" json:"tenant_type"`
	// TenantID is required when TenantType is "specific".
	TenantID string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
}

// GitHubQuirks carries GitHub options.
type GitHubQuirks struct {
	// EnterpriseBaseURL rebases all endpoints for GHE instances.
	EnterpriseBaseURL string `yaml:"enterprise_base_url,omitempty" json:"enterprise_base_url,omitempty"`
	// FetchEmails enables the /user/emails call to find a verified primary
	// address when the profile email is private.
	FetchEmails bool `yaml:"fetch_emails" json:"fetch_emails"`
}

// OIDCQuirks carries options for generic OIDC providers.
type OIDCQuirks struct {
	// SkipIssuerCheck must never be settable from tenant input; kept for
	// contract tests against deliberately non-compliant fixtures.
	SkipIssuerCheck bool `yaml:"-" json:"-"`
}

// OAuth2Quirks carries options for generic OAuth2 providers.
type OAuth2Quirks struct {
	// UserIDField names the userinfo field holding the stable subject when
	// the provider does not return "sub".
	UserIDField string `yaml:"user_id_field,omitempty" json:"user_id_field,omitempty"`
}

// Endpoints are the provider endpoints. Any field set here bypasses discovery
// for that purpose; OAuth2-only providers configure all of them.
type Endpoints struct {
	Authorization string `yaml:"authorization,omitempty" json:"authorization,omitempty"`
	Token         string `yaml:"token,omitempty" json:"token,omitempty"`
	UserInfo      string `yaml:"userinfo,omitempty" json:"userinfo,omitempty"`
	JWKS          string `yaml:"jwks,omitempty" json:"jwks,omitempty"`
}

// AttributeMap renames provider claims to the canonical names the resolution
// engine expects. Keys are canonical names (sub, email, email_verified, name,
// picture), values are the provider's claim names.
type AttributeMap map[string]string

// Config is the per-tenant provider configuration. It is read-only input to
// the core; the admin surface that maintains it lives elsewhere.
type Config struct {
	ID       string `yaml:"id" json:"id"`
	TenantID string `yaml:"tenant_id" json:"tenant_id"`
	Slug     string `yaml:"slug" json:"slug"`
	Name     string `yaml:"name" json:"name"`
	Kind     Kind   `yaml:"kind" json:"kind"`

	// Issuer is required for OIDC kinds unless all endpoints are explicit.
	Issuer       string    `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Endpoints    Endpoints `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
	ClientID     string    `yaml:"client_id" json:"client_id"`
	ClientSecret string    `yaml:"client_secret" json:"-"`
	Scopes       []string  `yaml:"scopes,omitempty" json:"scopes,omitempty"`

	AttributeMap AttributeMap `yaml:"attribute_map,omitempty" json:"attribute_map,omitempty"`

	AutoLinkEmail        bool `yaml:"auto_link_email" json:"auto_link_email"`
	JITProvisioning      bool `yaml:"jit_provisioning" json:"jit_provisioning"`
	RequireEmailVerified bool `yaml:"require_email_verified" json:"require_email_verified"`

	Quirks Quirks `yaml:"quirks,omitempty" json:"quirks,omitempty"`
}

// Errors returned by Validate and Directory implementations.
var (
	ErrNotFound        = errors.New("provider not found")
	ErrInvalidConfig   = errors.New("invalid provider config")
	ErrQuirksMismatch  = errors.New("quirks variant does not match provider kind")
	ErrNoUsableInit    = errors.New("provider has neither issuer nor explicit endpoints")
	ErrMissingClientID = errors.New("provider client_id is required")
)

// Validate checks structural invariants. It does not reach the network.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	switch c.Kind {
	case KindGoogle, KindMicrosoft, KindGitHub, KindOIDC, KindOAuth2:
	default:
		return ErrInvalidConfig
	}
	if err := c.Quirks.check(c.Kind); err != nil {
		return err
	}
	if c.Kind.OIDC() && c.Issuer == "" && !c.Endpoints.complete() {
		return ErrNoUsableInit
	}
	if c.Kind == KindOAuth2 && (c.Endpoints.Authorization == "" || c.Endpoints.Token == "") {
		return ErrNoUsableInit
	}
	return nil
}

func (e Endpoints) complete() bool {
	return e.Authorization != "" && e.Token != "" && e.JWKS != ""
}

func (q Quirks) check(kind Kind) error {
	set := 0
	var match bool
	if q.Google != nil {
		set++
		match = match || kind == KindGoogle
	}
	if q.Microsoft != nil {
		set++
		match = match || kind == KindMicrosoft
	}
	if q.GitHub != nil {
		set++
		match = match || kind == KindGitHub
	}
	if q.OIDC != nil {
		set++
		match = match || kind == KindOIDC
	}
	if q.OAuth2 != nil {
		set++
		match = match || kind == KindOAuth2
	}
	if set == 0 {
		return nil // quirks are optional
	}
	if set > 1 || !match {
		return ErrQuirksMismatch
	}
	return nil
}

// Directory is the read-only lookup the host wires in. The admin CRUD that
// writes configs is a separate system.
type Directory interface {
	ByID(ctx context.Context, tenantID, providerID string) (*Config, error)
	BySlug(ctx context.Context, tenantID, slug string) (*Config, error)
}
