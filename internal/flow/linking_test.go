package flow

import (
	"context"
	"net/http"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/fedgate/fedgate/internal/authstate/memory"
	"github.com/fedgate/fedgate/internal/identity"
	"github.com/fedgate/fedgate/internal/provider"
)

// Broader scenario tests for the linking and stitching paths, driven through
// the public flow surface against the fake provider.

func buildService(t *testing.T, idp *fakeIDP, autoLink bool, users *memUsers, links *memLinks) *Service {
	t.Helper()
	dir := provider.NewStaticDirectory([]provider.Config{{
		ID:              "p1",
		TenantID:        "t1",
		Slug:            "corp-idp",
		Kind:            provider.KindOIDC,
		Issuer:          idp.srv.URL,
		ClientID:        "client-1",
		ClientSecret:    "secret-1",
		Scopes:          []string{"openid", "email", "profile"},
		AutoLinkEmail:   autoLink,
		JITProvisioning: true,
	}})
	resolver := identity.New(identity.Deps{
		Links:               links,
		Users:               users,
		AllowEmailStitching: true,
	})
	return New(Deps{
		Providers:  dir,
		States:     memory.New(),
		Resolver:   resolver,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
}

func TestFlow_ExplicitLinking(t *testing.T) {
	t.Parallel()
	idp := newFakeIDP(t)
	users := &memUsers{byEmail: map[string]*identity.User{}}
	links := &memLinks{byKey: map[string]*identity.LinkedIdentity{}}
	svc := buildService(t, idp, false, users, links)
	ctx := context.Background()

	start, err := svc.Start(ctx, StartParams{
		TenantID:      "t1",
		ProviderSlug:  "corp-idp",
		RedirectURI:   "https://app.example/settings",
		LinkingUserID: "user-42",
	})
	require.NoError(t, err)
	state := mustQuery(t, start.AuthorizationURL, "state")
	nonce := mustQuery(t, start.AuthorizationURL, "nonce")
	idp.setMint(func() jwtv5.MapClaims { return idp.claims(nonce) })

	res, err := svc.Callback(ctx, CallbackParams{
		TenantID:     "t1",
		ProviderSlug: "corp-idp",
		State:        state,
		Code:         "code-1",
	})
	require.NoError(t, err)
	require.Equal(t, "user-42", res.Outcome.UserID)
	require.False(t, res.Outcome.IsNewUser)
	require.Empty(t, users.byEmail, "explicit link must not provision")
	require.Len(t, links.byKey, 1)
}

func TestFlow_StitchesIntoExistingAccount(t *testing.T) {
	t.Parallel()
	idp := newFakeIDP(t)
	users := &memUsers{byEmail: map[string]*identity.User{
		"jo@example.com": {ID: "user-7", Email: "jo@example.com", EmailVerified: true},
	}}
	links := &memLinks{byKey: map[string]*identity.LinkedIdentity{}}
	svc := buildService(t, idp, true, users, links)
	ctx := context.Background()

	start, err := svc.Start(ctx, StartParams{TenantID: "t1", ProviderSlug: "corp-idp", RedirectURI: "https://app.example/cb"})
	require.NoError(t, err)
	state := mustQuery(t, start.AuthorizationURL, "state")
	nonce := mustQuery(t, start.AuthorizationURL, "nonce")
	idp.setMint(func() jwtv5.MapClaims { return idp.claims(nonce) })

	res, err := svc.Callback(ctx, CallbackParams{
		TenantID:     "t1",
		ProviderSlug: "corp-idp",
		State:        state,
		Code:         "code-1",
	})
	require.NoError(t, err)
	require.Equal(t, "user-7", res.Outcome.UserID)
	require.True(t, res.Outcome.StitchedFromExisting)
	require.False(t, res.Outcome.IsNewUser)
}

func TestFlow_StitchBlockedWithoutAutoLink(t *testing.T) {
	t.Parallel()
	idp := newFakeIDP(t)
	users := &memUsers{byEmail: map[string]*identity.User{
		"jo@example.com": {ID: "user-7", Email: "jo@example.com", EmailVerified: true},
	}}
	svc := buildService(t, idp, false, users, &memLinks{byKey: map[string]*identity.LinkedIdentity{}})
	ctx := context.Background()

	start, err := svc.Start(ctx, StartParams{TenantID: "t1", ProviderSlug: "corp-idp", RedirectURI: "https://app.example/cb"})
	require.NoError(t, err)
	state := mustQuery(t, start.AuthorizationURL, "state")
	nonce := mustQuery(t, start.AuthorizationURL, "nonce")
	idp.setMint(func() jwtv5.MapClaims { return idp.claims(nonce) })

	_, err = svc.Callback(ctx, CallbackParams{
		TenantID:     "t1",
		ProviderSlug: "corp-idp",
		State:        state,
		Code:         "code-1",
	})
	require.Equal(t, identity.CodeAccountExistsLinkRequired, identity.RejectionCode(err))
}
