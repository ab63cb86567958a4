package provider

import (
	"errors"
	"testing"
)

func validGoogle() *Config {
	return &Config{
		ID:       "p1",
		TenantID: "t1",
		Slug:     "google",
		Kind:     KindGoogle,
		ClientID: "client-id",
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validGoogle().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := validGoogle()
	c.ClientID = ""
	if err := c.Validate(); !errors.Is(err, ErrMissingClientID) {
		t.Fatalf("want ErrMissingClientID, got %v", err)
	}

	c = validGoogle()
	c.Kind = "facebook"
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}

	// OIDC kind without issuer or a complete endpoint set.
	c = &Config{ID: "p2", Kind: KindOIDC, ClientID: "x"}
	if err := c.Validate(); !errors.Is(err, ErrNoUsableInit) {
		t.Fatalf("want ErrNoUsableInit, got %v", err)
	}
	c.Endpoints = Endpoints{Authorization: "https://a", Token: "https://t", JWKS: "https://j"}
	if err := c.Validate(); err != nil {
		t.Fatalf("explicit endpoints should satisfy OIDC kind: %v", err)
	}

	// OAuth2 kind needs authorization and token endpoints.
	c = &Config{ID: "p3", Kind: KindOAuth2, ClientID: "x"}
	if err := c.Validate(); !errors.Is(err, ErrNoUsableInit) {
		t.Fatalf("want ErrNoUsableInit, got %v", err)
	}
}

func TestValidate_QuirksMustMatchKind(t *testing.T) {
	t.Parallel()

	c := validGoogle()
	c.Quirks = Quirks{GitHub: &GitHubQuirks{FetchEmails: true}}
	if err := c.Validate(); !errors.Is(err, ErrQuirksMismatch) {
		t.Fatalf("want ErrQuirksMismatch, got %v", err)
	}

	c = validGoogle()
	c.Quirks = Quirks{
		Google:    &GoogleQuirks{},
		Microsoft: &MicrosoftQuirks{TenantType: MicrosoftTenantCommon},
	}
	if err := c.Validate(); !errors.Is(err, ErrQuirksMismatch) {
		t.Fatalf("two variants set: want ErrQuirksMismatch, got %v", err)
	}

	c = validGoogle()
	c.Quirks = Quirks{Google: &GoogleQuirks{HostedDomain: "corp.example"}}
	if err := c.Validate(); err != nil {
		t.Fatalf("matching quirks rejected: %v", err)
	}
}

func TestKindOIDC(t *testing.T) {
	t.Parallel()
	for kind, want := range map[Kind]bool{
		KindGoogle:    true,
		KindMicrosoft: true,
		KindOIDC:      true,
		KindGitHub:    false,
		KindOAuth2:    false,
	} {
		if kind.OIDC() != want {
			t.Fatalf("%s.OIDC() = %v, want %v", kind, !want, want)
		}
	}
}

func TestApplyDefaults_Google(t *testing.T) {
	t.Parallel()
	c := validGoogle().ApplyDefaults()
	if c.Issuer != "https://accounts.google.com" {
		t.Fatalf("issuer = %q", c.Issuer)
	}
	if len(c.Scopes) != 3 || c.Scopes[0] != "openid" {
		t.Fatalf("scopes = %v", c.Scopes)
	}

	// Explicit issuer wins.
	c = validGoogle()
	c.Issuer = "https://mock.example"
	if c.ApplyDefaults().Issuer != "https://mock.example" {
		t.Fatalf("explicit issuer overwritten")
	}
}

func TestApplyDefaults_MicrosoftAuthority(t *testing.T) {
	t.Parallel()
	cases := []struct {
		quirks *MicrosoftQuirks
		want   string
	}{
		{nil, "https://login.microsoftonline.com/common/v2.0"},
		{&MicrosoftQuirks{TenantType: MicrosoftTenantOrganizations}, "https://login.microsoftonline.com/organizations/v2.0"},
		{&MicrosoftQuirks{TenantType: MicrosoftTenantConsumers}, "https://login.microsoftonline.com/consumers/v2.0"},
		{&MicrosoftQuirks{TenantType: MicrosoftTenantSpecific, TenantID: "deadbeef-1234"}, "https://login.microsoftonline.com/deadbeef-1234/v2.0"},
	}
	for _, tc := range cases {
		c := &Config{Kind: KindMicrosoft, ClientID: "x", Quirks: Quirks{Microsoft: tc.quirks}}
		if got := c.ApplyDefaults().Issuer; got != tc.want {
			t.Fatalf("issuer = %q, want %q", got, tc.want)
		}
	}
}

func TestMicrosoftTenantType_MultiTenant(t *testing.T) {
	t.Parallel()
	for tt, want := range map[MicrosoftTenantType]bool{
		MicrosoftTenantCommon:        true,
		MicrosoftTenantOrganizations: true,
		MicrosoftTenantConsumers:     true,
		MicrosoftTenantSpecific:      false,
	} {
		if tt.MultiTenant() != want {
			t.Fatalf("%s.MultiTenant() = %v, want %v", tt, !want, want)
		}
	}
}

func TestApplyDefaults_GitHub(t *testing.T) {
	t.Parallel()
	c := (&Config{Kind: KindGitHub, ClientID: "x"}).ApplyDefaults()
	if c.Endpoints.Authorization != "https://github.com/login/oauth/authorize" {
		t.Fatalf("authorization = %q", c.Endpoints.Authorization)
	}
	if c.Endpoints.Token != "https://github.com/login/oauth/access_token" {
		t.Fatalf("token = %q", c.Endpoints.Token)
	}
	if c.Endpoints.UserInfo != "https://api.github.com/user" {
		t.Fatalf("userinfo = %q", c.Endpoints.UserInfo)
	}
	if c.AttributeMap["sub"] != "id" || c.AttributeMap["picture"] != "avatar_url" {
		t.Fatalf("attribute map = %v", c.AttributeMap)
	}
	if c.EmailsEndpoint() != "https://api.github.com/user/emails" {
		t.Fatalf("emails endpoint = %q", c.EmailsEndpoint())
	}
}

func TestApplyDefaults_GitHubEnterprise(t *testing.T) {
	t.Parallel()
	c := &Config{
		Kind:     KindGitHub,
		ClientID: "x",
		Quirks:   Quirks{GitHub: &GitHubQuirks{EnterpriseBaseURL: "https://ghe.corp.example/"}},
	}
	c.ApplyDefaults()
	if c.Endpoints.Authorization != "https://ghe.corp.example/login/oauth/authorize" {
		t.Fatalf("authorization = %q", c.Endpoints.Authorization)
	}
	if c.Endpoints.UserInfo != "https://ghe.corp.example/api/v3/user" {
		t.Fatalf("userinfo = %q", c.Endpoints.UserInfo)
	}
	if c.EmailsEndpoint() != "https://ghe.corp.example/api/v3/user/emails" {
		t.Fatalf("emails endpoint = %q", c.EmailsEndpoint())
	}
}

func TestEmailsEndpoint_NonGitHub(t *testing.T) {
	t.Parallel()
	if got := validGoogle().EmailsEndpoint(); got != "" {
		t.Fatalf("google emails endpoint = %q, want empty", got)
	}
}
