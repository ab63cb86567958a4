// Package authstate persists the ephemeral per-attempt record that binds the
// browser redirect round trip together: state token, nonce, PKCE verifier and
// optional linking target. A record is consumable exactly once; replay of the
// state token must never yield the record a second time.
package authstate

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long an attempt may sit between start and callback.
const DefaultTTL = 10 * time.Minute

// ConsumedRetention keeps consumed records around briefly so a replayed state
// token can be told apart from a never-issued one during incident review.
const ConsumedRetention = time.Hour

// Record is one authentication attempt.
type Record struct {
	ID         string
	TenantID   string
	ProviderID string

	// State is the opaque token round-tripped through the provider.
	State string
	// Nonce binds the ID token to this attempt. Empty for OAuth2-only kinds.
	Nonce string
	// CodeVerifier is the PKCE secret; only its S256 hash leaves the server.
	CodeVerifier string

	RedirectURI string

	// LinkingUserID is set when an authenticated user is adding a provider
	// to their existing account.
	LinkingUserID string
	SessionID     string

	// MaxAge and ACRValues echo the authentication-request parameters so the
	// callback can enforce auth_time/acr on the returned ID token.
	MaxAge    time.Duration
	ACRValues string

	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// ErrUnavailable wraps backing-store infrastructure failures. "Not found",
// "expired" and "already consumed" are not errors: Consume returns nil.
var ErrUnavailable = errors.New("auth state store unavailable")

// Store is the single-use attempt store.
//
// Consume is a two-phase operation: a conditional mark-consumed that matches
// only a live, unconsumed record, then a read-back performed only when the
// first phase hit exactly one record. The backing store's atomic conditional
// update is the sole concurrency mechanism; no in-process locking is assumed
// between callers.
type Store interface {
	// Store inserts the record and returns its id. ExpiresAt defaults to
	// now+DefaultTTL when zero.
	Store(ctx context.Context, rec *Record) (string, error)

	// Consume marks the record for stateToken consumed and returns it.
	// Unknown, expired or already-consumed tokens return (nil, nil).
	// At most one caller ever receives a non-nil record per token.
	Consume(ctx context.Context, stateToken string) (*Record, error)

	// Cleanup removes expired records and consumed records older than the
	// retention window. Idempotent; safe during live traffic.
	Cleanup(ctx context.Context) (int64, error)
}
