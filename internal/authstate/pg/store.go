// Package pg implements the auth state store on PostgreSQL. Exactly-once
// consumption rests on a conditional UPDATE: only the caller whose statement
// reports one affected row may read the record back.
package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fedgate/fedgate/internal/authstate"
	"github.com/fedgate/fedgate/internal/observability/logger"
)

type Store struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// New creates a PostgreSQL-backed auth state store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, retention: authstate.ConsumedRetention}
}

func (s *Store) Store(ctx context.Context, rec *authstate.Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(authstate.DefaultTTL)
	}

	const q = `
		INSERT INTO auth_state
			(id, tenant_id, provider_id, state, nonce, code_verifier, redirect_uri,
			 linking_user_id, session_id, max_age_seconds, acr_values, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.TenantID, rec.ProviderID, rec.State,
		nullable(rec.Nonce), nullable(rec.CodeVerifier), rec.RedirectURI,
		nullable(rec.LinkingUserID), nullable(rec.SessionID),
		maxAgeSeconds(rec.MaxAge), nullable(rec.ACRValues),
		rec.ExpiresAt, rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert: %v", authstate.ErrUnavailable, err)
	}
	return rec.ID, nil
}

func (s *Store) Consume(ctx context.Context, stateToken string) (*authstate.Record, error) {
	// Phase 1: conditional transition. Matches only a live, unconsumed row.
	const mark = `
		UPDATE auth_state
		SET consumed_at = now()
		WHERE state = $1 AND consumed_at IS NULL AND expires_at > now()
	`
	tag, err := s.pool.Exec(ctx, mark, stateToken)
	if err != nil {
		return nil, fmt.Errorf("%w: consume: %v", authstate.ErrUnavailable, err)
	}
	if tag.RowsAffected() != 1 {
		// Unknown, expired or replayed. Normal outcome, no read-back.
		logger.From(ctx).Debug("auth state not consumable",
			logger.Component("authstate.pg"),
			logger.StatePrefix(stateToken),
		)
		return nil, nil
	}

	// Phase 2: read back the full record we just won.
	const read = `
		SELECT id, tenant_id, provider_id, state, nonce, code_verifier, redirect_uri,
		       linking_user_id, session_id, max_age_seconds, acr_values,
		       expires_at, created_at, consumed_at
		FROM auth_state
		WHERE state = $1
	`
	var (
		rec        authstate.Record
		nonce      *string
		verifier   *string
		linking    *string
		session    *string
		maxAgeSecs *int64
		acr        *string
	)
	err = s.pool.QueryRow(ctx, read, stateToken).Scan(
		&rec.ID, &rec.TenantID, &rec.ProviderID, &rec.State,
		&nonce, &verifier, &rec.RedirectURI,
		&linking, &session, &maxAgeSecs, &acr,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.ConsumedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			// The row vanished between phases (cleanup race). Treat as lost.
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read back: %v", authstate.ErrUnavailable, err)
	}
	rec.Nonce = deref(nonce)
	rec.CodeVerifier = deref(verifier)
	rec.LinkingUserID = deref(linking)
	rec.SessionID = deref(session)
	rec.ACRValues = deref(acr)
	if maxAgeSecs != nil {
		rec.MaxAge = time.Duration(*maxAgeSecs) * time.Second
	}
	return &rec, nil
}

func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	const q = `
		DELETE FROM auth_state
		WHERE expires_at <= now()
		   OR (consumed_at IS NOT NULL AND consumed_at <= now() - $1::interval)
	`
	tag, err := s.pool.Exec(ctx, q, s.retention)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", authstate.ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func maxAgeSeconds(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	secs := int64(d / time.Second)
	return &secs
}
