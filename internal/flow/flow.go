// Package flow composes one login attempt end to end: Start creates the auth
// state record and the authorization URL; Callback consumes the state,
// exchanges the code, validates the result and resolves the identity.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fedgate/fedgate/internal/authstate"
	"github.com/fedgate/fedgate/internal/identity"
	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/observability/logger"
	"github.com/fedgate/fedgate/internal/provider"
	"github.com/fedgate/fedgate/internal/rp"
	"github.com/fedgate/fedgate/internal/util/randtoken"
)

// Flow-level errors. A failed or replayed state is terminal for the attempt;
// the caller restarts the whole flow, never the same state token.
var (
	ErrProviderNotFound = errors.New("provider not found or disabled")
	ErrStateInvalid     = errors.New("login attempt is invalid, expired or already used")
	ErrProviderMismatch = errors.New("callback provider does not match the attempt")
	ErrExchangeFailed   = errors.New("code exchange with the provider failed")
	ErrIdentityInvalid  = errors.New("the provider returned an unusable identity")
)

// ClientFactory builds an RP client for a provider config. Injectable so
// tests can point clients at fixture servers.
type ClientFactory func(cfg *provider.Config) (*rp.Client, error)

// Deps wires the flow service.
type Deps struct {
	Providers provider.Directory
	States    authstate.Store
	Resolver  *identity.Resolver

	// HTTPClient is handed to RP clients; the host owns timeouts.
	HTTPClient *http.Client
	// Clients overrides the default factory. Optional.
	Clients ClientFactory
	// StateTTL overrides authstate.DefaultTTL. Optional.
	StateTTL time.Duration
}

// Service runs login attempts.
type Service struct {
	providers provider.Directory
	states    authstate.Store
	resolver  *identity.Resolver
	clients   ClientFactory
	stateTTL  time.Duration
}

// New creates the flow service.
func New(d Deps) *Service {
	factory := d.Clients
	if factory == nil {
		httpc := d.HTTPClient
		factory = func(cfg *provider.Config) (*rp.Client, error) {
			opts := []rp.Option{}
			if httpc != nil {
				opts = append(opts, rp.WithHTTPClient(httpc))
			}
			return rp.New(cfg, opts...)
		}
	}
	ttl := d.StateTTL
	if ttl <= 0 {
		ttl = authstate.DefaultTTL
	}
	return &Service{
		providers: d.Providers,
		states:    d.States,
		resolver:  d.Resolver,
		clients:   factory,
		stateTTL:  ttl,
	}
}

// StartParams begins an attempt.
type StartParams struct {
	TenantID     string
	ProviderSlug string
	RedirectURI  string

	// LinkingUserID marks an add-provider flow for an authenticated user.
	LinkingUserID string
	SessionID     string

	Prompt    string
	LoginHint string
	MaxAge    time.Duration
	ACRValues string
}

// StartResult is the redirect the host sends the browser to.
type StartResult struct {
	FlowID           string
	AuthorizationURL string
}

// Start creates the auth state record and the provider authorization URL.
func (s *Service) Start(ctx context.Context, p StartParams) (*StartResult, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("flow.start"))

	cfg, err := s.providers.BySlug(ctx, p.TenantID, p.ProviderSlug)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("provider lookup: %w", err)
	}
	cfg.ApplyDefaults()

	client, err := s.clients(cfg)
	if err != nil {
		return nil, err
	}

	state, err := randtoken.New(32)
	if err != nil {
		return nil, err
	}
	verifier, err := randtoken.New(32)
	if err != nil {
		return nil, err
	}
	var nonce string
	if cfg.Kind.OIDC() {
		if nonce, err = randtoken.New(32); err != nil {
			return nil, err
		}
	}

	rec := &authstate.Record{
		TenantID:      p.TenantID,
		ProviderID:    cfg.ID,
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  verifier,
		RedirectURI:   p.RedirectURI,
		LinkingUserID: p.LinkingUserID,
		SessionID:     p.SessionID,
		MaxAge:        p.MaxAge,
		ACRValues:     p.ACRValues,
		ExpiresAt:     time.Now().UTC().Add(s.stateTTL),
	}
	flowID, err := s.states.Store(ctx, rec)
	if err != nil {
		return nil, err
	}

	authURL, err := client.AuthorizationURL(ctx, rp.AuthRequest{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
		RedirectURI:  p.RedirectURI,
		Prompt:       p.Prompt,
		LoginHint:    p.LoginHint,
		MaxAge:       p.MaxAge,
		ACRValues:    p.ACRValues,
	})
	if err != nil {
		return nil, err
	}

	log.Info("login attempt started",
		logger.TenantID(p.TenantID),
		logger.Provider(p.ProviderSlug),
		logger.FlowID(flowID),
		logger.Bool("linking", p.LinkingUserID != ""),
	)
	return &StartResult{FlowID: flowID, AuthorizationURL: authURL}, nil
}

// CallbackParams completes an attempt.
type CallbackParams struct {
	TenantID     string
	ProviderSlug string
	State        string
	Code         string
}

// CallbackResult is the resolved login.
type CallbackResult struct {
	Outcome     *identity.Outcome
	Identity    *rp.Identity
	RedirectURI string
	SessionID   string
}

// Callback consumes the auth state, exchanges the code, validates the ID
// token (or falls back to userinfo for OAuth2-only providers) and resolves
// the external identity to a local user.
func (s *Service) Callback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("flow.callback"))

	if p.State == "" || p.Code == "" {
		return nil, ErrStateInvalid
	}

	rec, err := s.states.Consume(ctx, p.State)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		metrics.StateConsume.WithLabelValues("miss").Inc()
		log.Warn("auth state not consumable",
			logger.TenantID(p.TenantID),
			logger.StatePrefix(p.State),
		)
		return nil, ErrStateInvalid
	}
	metrics.StateConsume.WithLabelValues("ok").Inc()

	if rec.TenantID != p.TenantID {
		return nil, ErrStateInvalid
	}

	cfg, err := s.providers.ByID(ctx, rec.TenantID, rec.ProviderID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("provider lookup: %w", err)
	}
	cfg.ApplyDefaults()
	if p.ProviderSlug != "" && !strings.EqualFold(cfg.Slug, p.ProviderSlug) {
		log.Warn("provider mismatch",
			logger.Provider(p.ProviderSlug),
			logger.ProviderID(rec.ProviderID),
		)
		return nil, ErrProviderMismatch
	}

	client, err := s.clients(cfg)
	if err != nil {
		return nil, err
	}

	tokens, err := client.Exchange(ctx, p.Code, rec.CodeVerifier)
	if err != nil {
		log.Error("code exchange failed",
			logger.Provider(cfg.Slug),
			logger.TenantID(rec.TenantID),
			logger.Err(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	ext, err := s.establishIdentity(ctx, client, cfg, rec, tokens, p.Code)
	if err != nil {
		return nil, err
	}

	outcome, err := s.resolver.Resolve(ctx, identity.Params{
		Provider:      cfg,
		Identity:      ext,
		Tokens:        tokens,
		LinkingUserID: rec.LinkingUserID,
	})
	if err != nil {
		return nil, err
	}

	log.Info("login resolved",
		logger.TenantID(rec.TenantID),
		logger.Provider(cfg.Slug),
		logger.UserID(outcome.UserID),
		logger.Bool("new_user", outcome.IsNewUser),
		logger.Bool("stitched", outcome.StitchedFromExisting),
	)
	return &CallbackResult{
		Outcome:     outcome,
		Identity:    ext,
		RedirectURI: rec.RedirectURI,
		SessionID:   rec.SessionID,
	}, nil
}

// establishIdentity validates the ID token when the provider issues one and
// falls back to userinfo otherwise.
func (s *Service) establishIdentity(ctx context.Context, client *rp.Client, cfg *provider.Config, rec *authstate.Record, tokens *rp.TokenSet, code string) (*rp.Identity, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("flow.callback"))

	if cfg.Kind.OIDC() {
		if tokens.IDToken == "" {
			return nil, fmt.Errorf("%w: provider issued no id token", ErrIdentityInvalid)
		}
		ext, err := client.ValidateIDToken(ctx, tokens.IDToken, rp.ValidateOptions{
			Nonce:       rec.Nonce,
			AccessToken: tokens.AccessToken,
			Code:        code,
			MaxAge:      rec.MaxAge,
			ACRValues:   rec.ACRValues,
		})
		if err != nil {
			log.Error("id token validation failed",
				logger.Provider(cfg.Slug),
				logger.Err(err),
			)
			return nil, err
		}
		return ext, nil
	}

	claims, err := client.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	amap := cfg.AttributeMap
	if q := cfg.Quirks.OAuth2; q != nil && q.UserIDField != "" {
		if _, ok := amap["sub"]; !ok {
			// Never write into cfg.AttributeMap: the directory copy still
			// aliases the stored map.
			merged := make(provider.AttributeMap, len(amap)+1)
			for k, v := range amap {
				merged[k] = v
			}
			merged["sub"] = q.UserIDField
			amap = merged
		}
	}
	ext := rp.NormalizeClaims(claims, amap)
	if ext.Subject == "" {
		return nil, fmt.Errorf("%w: userinfo has no stable subject", ErrIdentityInvalid)
	}

	// GitHub keeps private addresses out of the profile document; the
	// address list endpoint still returns the verified primary.
	if q := cfg.Quirks.GitHub; q != nil && q.FetchEmails && ext.Email == "" {
		email, verified, err := client.PrimaryVerifiedEmail(ctx, tokens.AccessToken)
		if err != nil {
			log.Warn("email list fetch failed", logger.Provider(cfg.Slug), logger.Err(err))
		} else if email != "" {
			ext.Email = email
			ext.EmailVerified = verified
		}
	}
	return ext, nil
}

// Sweep runs one cleanup pass over the auth state store.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.states.Cleanup(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StateCleanup.Add(float64(n))
		logger.From(ctx).Info("auth state sweep",
			logger.Component("flow.sweep"),
			logger.Count(int(n)),
		)
	}
	return n, nil
}
