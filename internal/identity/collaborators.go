package identity

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by collaborator lookups for missing records.
var ErrNotFound = errors.New("not found")

// LinkedIdentity binds one external (provider, provider_user_id) pair to at
// most one local user. The engine creates and touches these records through
// the store interface; schema ownership lives with the host.
type LinkedIdentity struct {
	ID             string
	TenantID       string
	UserID         string
	ProviderID     string
	ProviderUserID string

	Email         string
	EmailVerified bool

	// Encrypted at rest through the injected Cipher.
	AccessTokenEnc  string
	RefreshTokenEnc string

	Claims      map[string]any
	LastLoginAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LinkedIdentities is the external identity-link store.
type LinkedIdentities interface {
	// FindByProvider looks up by the unique (providerID, providerUserID) key.
	// Returns ErrNotFound when absent.
	FindByProvider(ctx context.Context, tenantID, providerID, providerUserID string) (*LinkedIdentity, error)

	// Create inserts a new link. A unique-key conflict on
	// (providerID, providerUserID) returns ErrConflict.
	Create(ctx context.Context, link *LinkedIdentity) (string, error)

	// Touch refreshes stored tokens, claims and last-login on every
	// subsequent successful login through the same identity.
	Touch(ctx context.Context, id string, update LinkUpdate) error
}

// ErrConflict signals a unique-key violation on create.
var ErrConflict = errors.New("linked identity already exists")

// LinkUpdate carries the refreshed state written on every login.
type LinkUpdate struct {
	Email           string
	EmailVerified   bool
	AccessTokenEnc  string
	RefreshTokenEnc string
	Claims          map[string]any
	LastLoginAt     time.Time
}

// User is the slice of the local account the engine needs.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
}

// Users is the local user directory.
type Users interface {
	// FindByEmail returns ErrNotFound when no user holds the address.
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)

	// Create provisions a new local user and returns it.
	Create(ctx context.Context, tenantID string, u NewUser) (*User, error)
}

// NewUser is the creation input for JIT provisioning.
type NewUser struct {
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Locale        string
}

// Cipher is the field-level encryption collaborator for stored tokens.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}
