// Package pg implements the LinkedIdentities and Users collaborators on
// PostgreSQL for hosts that keep the core directory in the same database.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedgate/fedgate/internal/identity"
)

// Links implements identity.LinkedIdentities.
type Links struct {
	pool *pgxpool.Pool
}

// Users implements identity.Users.
type Users struct {
	pool *pgxpool.Pool
}

// NewLinks creates the linked-identity store.
func NewLinks(pool *pgxpool.Pool) *Links {
	return &Links{pool: pool}
}

// NewUsers creates the user directory adapter.
func NewUsers(pool *pgxpool.Pool) *Users {
	return &Users{pool: pool}
}

var _ identity.LinkedIdentities = (*Links)(nil)
var _ identity.Users = (*Users)(nil)

func (s *Links) FindByProvider(ctx context.Context, tenantID, providerID, providerUserID string) (*identity.LinkedIdentity, error) {
	const q = `
		SELECT id, tenant_id, user_id, provider_id, provider_user_id,
		       email, email_verified, access_token_enc, refresh_token_enc,
		       claims, last_login_at, created_at, updated_at
		FROM linked_identity
		WHERE tenant_id = $1 AND provider_id = $2 AND provider_user_id = $3
	`
	var (
		li     identity.LinkedIdentity
		claims []byte
	)
	err := s.pool.QueryRow(ctx, q, tenantID, providerID, providerUserID).Scan(
		&li.ID, &li.TenantID, &li.UserID, &li.ProviderID, &li.ProviderUserID,
		&li.Email, &li.EmailVerified, &li.AccessTokenEnc, &li.RefreshTokenEnc,
		&claims, &li.LastLoginAt, &li.CreatedAt, &li.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &li.Claims); err != nil {
			return nil, fmt.Errorf("decode claims: %w", err)
		}
	}
	return &li, nil
}

func (s *Links) Create(ctx context.Context, link *identity.LinkedIdentity) (string, error) {
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	claims, err := json.Marshal(link.Claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	if link.Claims == nil {
		claims = []byte("{}")
	}
	const q = `
		INSERT INTO linked_identity
			(id, tenant_id, user_id, provider_id, provider_user_id,
			 email, email_verified, access_token_enc, refresh_token_enc,
			 claims, last_login_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
	`
	_, err = s.pool.Exec(ctx, q,
		link.ID, link.TenantID, link.UserID, link.ProviderID, link.ProviderUserID,
		link.Email, link.EmailVerified, link.AccessTokenEnc, link.RefreshTokenEnc,
		claims, link.LastLoginAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", identity.ErrConflict
		}
		return "", err
	}
	return link.ID, nil
}

func (s *Links) Touch(ctx context.Context, id string, up identity.LinkUpdate) error {
	claims, err := json.Marshal(up.Claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	if up.Claims == nil {
		claims = []byte("{}")
	}
	const q = `
		UPDATE linked_identity
		SET email = $2, email_verified = $3,
		    access_token_enc = $4, refresh_token_enc = $5,
		    claims = $6, last_login_at = $7, updated_at = now()
		WHERE id = $1
	`
	_, err = s.pool.Exec(ctx, q, id,
		up.Email, up.EmailVerified, up.AccessTokenEnc, up.RefreshTokenEnc,
		claims, up.LastLoginAt,
	)
	return err
}

func (s *Users) FindByEmail(ctx context.Context, tenantID, email string) (*identity.User, error) {
	const q = `
		SELECT id, email, email_verified
		FROM app_user
		WHERE tenant_id = $1 AND email = $2
		LIMIT 1
	`
	var u identity.User
	err := s.pool.QueryRow(ctx, q, tenantID, strings.ToLower(email)).Scan(&u.ID, &u.Email, &u.EmailVerified)
	if err == pgx.ErrNoRows {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Users) Create(ctx context.Context, tenantID string, nu identity.NewUser) (*identity.User, error) {
	const q = `
		INSERT INTO app_user
			(id, tenant_id, email, email_verified, name, given_name, family_name, picture, locale, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, email, email_verified
	`
	var u identity.User
	err := s.pool.QueryRow(ctx, q,
		uuid.NewString(), tenantID, strings.ToLower(nu.Email), nu.EmailVerified,
		nu.Name, nu.GivenName, nu.FamilyName, nu.Picture, nu.Locale, time.Now().UTC(),
	).Scan(&u.ID, &u.Email, &u.EmailVerified)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
