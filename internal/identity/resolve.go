// Package identity turns a verified external identity into a local-user
// outcome: link, stitch, provision, or a typed rejection. The decision order
// is fixed and first-match-wins; see Resolve.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fedgate/fedgate/internal/metrics"
	"github.com/fedgate/fedgate/internal/observability/logger"
	"github.com/fedgate/fedgate/internal/provider"
	"github.com/fedgate/fedgate/internal/rp"
)

// Code is a stable machine-readable rejection code. Messages stay generic;
// internal identifiers never appear in them.
type Code string

const (
	CodeLocalEmailNotVerified     Code = "LOCAL_EMAIL_NOT_VERIFIED"
	CodeAccountExistsLinkRequired Code = "ACCOUNT_EXISTS_LINK_REQUIRED"
	CodeEmailNotVerified          Code = "EMAIL_NOT_VERIFIED"
	CodeJITProvisioningDisabled   Code = "JIT_PROVISIONING_DISABLED"
	CodeSubjectMissing            Code = "SUBJECT_MISSING"
	CodeIdentityAlreadyLinked     Code = "IDENTITY_ALREADY_LINKED"
)

// ResolutionError is a typed rejection.
type ResolutionError struct {
	Code    Code
	Message string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("identity resolution rejected (%s): %s", e.Code, e.Message)
}

func reject(code Code, msg string) error {
	return &ResolutionError{Code: code, Message: msg}
}

// RejectionCode extracts the code from err, or "" if err is not a rejection.
func RejectionCode(err error) Code {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Outcome is a successful resolution.
type Outcome struct {
	UserID               string
	IsNewUser            bool
	LinkedIdentityID     string
	StitchedFromExisting bool
}

// Params is the resolution input.
type Params struct {
	Provider *provider.Config
	Identity *rp.Identity
	Tokens   *rp.TokenSet

	// LinkingUserID is set when an already-authenticated user is adding this
	// provider to their account.
	LinkingUserID string
}

// AuditSink receives one event per completing resolution branch.
type AuditSink interface {
	EmitResolution(ctx context.Context, tenantID, providerID, userID, event string, fields map[string]any)
}

// Deps are the resolver collaborators.
type Deps struct {
	Links  LinkedIdentities
	Users  Users
	Audit  AuditSink
	Cipher Cipher

	// AllowEmailStitching is the platform-wide switch; provider configs can
	// only narrow it, never widen it.
	AllowEmailStitching bool
}

// Resolver is the decision engine. Pure over its collaborators: no transport,
// no retries, no background work.
type Resolver struct {
	links     LinkedIdentities
	users     Users
	audit     AuditSink
	cipher    Cipher
	stitching bool

	now func() time.Time
}

// New creates a Resolver.
func New(d Deps) *Resolver {
	return &Resolver{
		links:     d.Links,
		users:     d.Users,
		audit:     d.Audit,
		cipher:    d.Cipher,
		stitching: d.AllowEmailStitching,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

// Resolve evaluates the branches in strict order, first match wins:
//
//  1. explicit link (caller-supplied linking user, no email checks)
//  2. existing link (refresh tokens/claims/last-login, return bound user)
//  3. email stitching by verified email
//  4. just-in-time provisioning
//  5. rejection: no account exists and none may be created
//
// Repeat invocations with the same (provider, subject) after a success always
// take branch 2; nothing is ever re-provisioned or duplicated.
func (r *Resolver) Resolve(ctx context.Context, p Params) (*Outcome, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("identity.resolve"))

	cfg := p.Provider
	ext := p.Identity
	if ext == nil || ext.Subject == "" {
		return nil, reject(CodeSubjectMissing, "the provider returned no stable subject")
	}
	email := strings.ToLower(strings.TrimSpace(ext.Email))

	// 1. Explicit link. The caller's own session already established trust;
	// no email checks apply.
	if p.LinkingUserID != "" {
		link, err := r.createLink(ctx, cfg, ext, p.Tokens, p.LinkingUserID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return nil, reject(CodeIdentityAlreadyLinked, "this external identity is already linked to an account")
			}
			return nil, err
		}
		r.emit(ctx, cfg, p.LinkingUserID, "identity.linked", map[string]any{"explicit": true})
		metrics.LoginOutcomes.WithLabelValues(cfg.Slug, "linked").Inc()
		return &Outcome{UserID: p.LinkingUserID, LinkedIdentityID: link}, nil
	}

	// 2. Existing link.
	existing, err := r.links.FindByProvider(ctx, cfg.TenantID, cfg.ID, ext.Subject)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find linked identity: %w", err)
	}
	if existing != nil {
		update, err := r.linkUpdate(ext, p.Tokens)
		if err != nil {
			return nil, err
		}
		if err := r.links.Touch(ctx, existing.ID, update); err != nil {
			return nil, fmt.Errorf("touch linked identity: %w", err)
		}
		r.emit(ctx, cfg, existing.UserID, "identity.login", nil)
		metrics.LoginOutcomes.WithLabelValues(cfg.Slug, "login").Inc()
		return &Outcome{UserID: existing.UserID, LinkedIdentityID: existing.ID}, nil
	}

	// 3. Email lookup. Performed whenever the provider returned an address:
	// a matching local account must block JIT provisioning even when
	// stitching itself is not permitted.
	if email != "" {
		local, err := r.users.FindByEmail(ctx, cfg.TenantID, email)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("find user by email: %w", err)
		}
		if local != nil {
			if ext.EmailVerified && !local.EmailVerified {
				// A verified external address must not take over an account
				// whose own address was never verified.
				log.Warn("stitch refused, local email unverified",
					logger.ProviderID(cfg.ID),
					logger.EmailMasked(email),
				)
				return nil, reject(CodeLocalEmailNotVerified, "sign in with your existing credentials and verify your email first")
			}
			canStitch := r.stitching && cfg.AutoLinkEmail && ext.EmailVerified
			if !canStitch {
				return nil, reject(CodeAccountExistsLinkRequired, "an account with this email already exists; sign in and link the provider explicitly")
			}
			link, err := r.createLink(ctx, cfg, ext, p.Tokens, local.ID)
			if err != nil {
				if errors.Is(err, ErrConflict) {
					return nil, reject(CodeIdentityAlreadyLinked, "this external identity is already linked to an account")
				}
				return nil, err
			}
			r.emit(ctx, cfg, local.ID, "identity.stitched", map[string]any{"email_masked": mask(email)})
			metrics.LoginOutcomes.WithLabelValues(cfg.Slug, "stitched").Inc()
			return &Outcome{UserID: local.ID, LinkedIdentityID: link, StitchedFromExisting: true}, nil
		}
	}

	// 4. Just-in-time provisioning.
	if cfg.JITProvisioning {
		if cfg.RequireEmailVerified && email != "" && !ext.EmailVerified {
			return nil, reject(CodeEmailNotVerified, "verify your email with the identity provider and try again")
		}
		newUser := NewUser{
			Email:         email,
			EmailVerified: ext.EmailVerified,
			Name:          ext.Name,
			GivenName:     ext.GivenName,
			FamilyName:    ext.FamilyName,
			Picture:       ext.Picture,
			Locale:        ext.Locale,
		}
		if newUser.Email == "" {
			newUser.Email = placeholderEmail(cfg, ext)
			newUser.EmailVerified = false
		}
		user, err := r.users.Create(ctx, cfg.TenantID, newUser)
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		link, err := r.createLink(ctx, cfg, ext, p.Tokens, user.ID)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return nil, reject(CodeIdentityAlreadyLinked, "this external identity is already linked to an account")
			}
			return nil, err
		}
		r.emit(ctx, cfg, user.ID, "identity.provisioned", map[string]any{"email_masked": mask(newUser.Email)})
		metrics.LoginOutcomes.WithLabelValues(cfg.Slug, "provisioned").Inc()
		return &Outcome{UserID: user.ID, IsNewUser: true, LinkedIdentityID: link}, nil
	}

	// 5. Nothing matched and nothing may be created.
	metrics.LoginOutcomes.WithLabelValues(cfg.Slug, "rejected").Inc()
	return nil, reject(CodeJITProvisioningDisabled, "no account exists for this identity and sign-up is disabled")
}

func (r *Resolver) createLink(ctx context.Context, cfg *provider.Config, ext *rp.Identity, tokens *rp.TokenSet, userID string) (string, error) {
	update, err := r.linkUpdate(ext, tokens)
	if err != nil {
		return "", err
	}
	id, err := r.links.Create(ctx, &LinkedIdentity{
		TenantID:        cfg.TenantID,
		UserID:          userID,
		ProviderID:      cfg.ID,
		ProviderUserID:  ext.Subject,
		Email:           update.Email,
		EmailVerified:   update.EmailVerified,
		AccessTokenEnc:  update.AccessTokenEnc,
		RefreshTokenEnc: update.RefreshTokenEnc,
		Claims:          update.Claims,
		LastLoginAt:     update.LastLoginAt,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("create linked identity: %w", err)
	}
	return id, nil
}

func (r *Resolver) linkUpdate(ext *rp.Identity, tokens *rp.TokenSet) (LinkUpdate, error) {
	up := LinkUpdate{
		Email:         strings.ToLower(strings.TrimSpace(ext.Email)),
		EmailVerified: ext.EmailVerified,
		Claims:        ext.Extra,
		LastLoginAt:   r.now().UTC(),
	}
	if tokens == nil || r.cipher == nil {
		return up, nil
	}
	var err error
	if tokens.AccessToken != "" {
		if up.AccessTokenEnc, err = r.cipher.Encrypt(tokens.AccessToken); err != nil {
			return up, fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if tokens.RefreshToken != "" {
		if up.RefreshTokenEnc, err = r.cipher.Encrypt(tokens.RefreshToken); err != nil {
			return up, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return up, nil
}

func (r *Resolver) emit(ctx context.Context, cfg *provider.Config, userID, event string, fields map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.EmitResolution(ctx, cfg.TenantID, cfg.ID, userID, event, fields)
}

// placeholderEmail synthesizes an address for providers that return none.
// The domain is reserved and never routable.
func placeholderEmail(cfg *provider.Config, ext *rp.Identity) string {
	slug := cfg.Slug
	if slug == "" {
		slug = string(cfg.Kind)
	}
	return fmt.Sprintf("%s-%s@users.noreply.invalid", slug, ext.Subject)
}

func mask(email string) string {
	if len(email) < 3 {
		return "***"
	}
	at := strings.IndexByte(email, '@')
	if at < 2 {
		return email[:2] + "***"
	}
	return email[:2] + "***" + email[at:]
}
