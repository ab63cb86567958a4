// Package redis implements the auth state store on Redis. The conditional
// mark-consumed runs as a Lua script so check-and-set is a single server-side
// step; key TTLs carry expiry and the consumed-retention window.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"

	"github.com/fedgate/fedgate/internal/authstate"
)

const keyPrefix = "fedgate:authstate:"

// consumeScript flips the consumed flag exactly once and hands the payload to
// the single winning caller. KEYS[1] = record key, ARGV[1] = retention ms,
// ARGV[2] = consumed-at timestamp (RFC3339).
//
// Returns the stored JSON on the winning call, false otherwise.
var consumeScript = rdb.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local rec = cjson.decode(raw)
if rec.consumed_at ~= cjson.null and rec.consumed_at ~= nil then
  return false
end
rec.consumed_at = ARGV[2]
local updated = cjson.encode(rec)
redis.call('SET', KEYS[1], updated, 'PX', tonumber(ARGV[1]))
return raw
`)

type record struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	ProviderID    string     `json:"provider_id"`
	State         string     `json:"state"`
	Nonce         string     `json:"nonce,omitempty"`
	CodeVerifier  string     `json:"code_verifier,omitempty"`
	RedirectURI   string     `json:"redirect_uri"`
	LinkingUserID string     `json:"linking_user_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	MaxAgeSeconds int64      `json:"max_age_seconds,omitempty"`
	ACRValues     string     `json:"acr_values,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ConsumedAt    *time.Time `json:"consumed_at"`
}

type Store struct {
	c         *rdb.Client
	retention time.Duration
}

// New creates a Redis-backed auth state store.
func New(c *rdb.Client) *Store {
	return &Store{c: c, retention: authstate.ConsumedRetention}
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

	payload, err := json.Marshal(toWire(rec))
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", authstate.ErrUnavailable, err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.c.Set(ctx, keyPrefix+rec.State, payload, ttl).Err(); err != nil {
		return "", fmt.Errorf("%w: set: %v", authstate.ErrUnavailable, err)
	}
	return rec.ID, nil
}

func (s *Store) Consume(ctx context.Context, stateToken string) (*authstate.Record, error) {
	now := time.Now().UTC()
	res, err := consumeScript.Run(ctx, s.c,
		[]string{keyPrefix + stateToken},
		s.retention.Milliseconds(),
		now.Format(time.RFC3339Nano),
	).Result()
	if err == rdb.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: consume: %v", authstate.ErrUnavailable, err)
	}
	raw, ok := res.(string)
	if !ok {
		// Script returned false: unknown, expired (key gone) or replayed.
		return nil, nil
	}

	var w record
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", authstate.ErrUnavailable, err)
	}
	rec := fromWire(&w)
	rec.ConsumedAt = &now
	return rec, nil
}

// Cleanup is a no-op beyond what key TTLs already enforce: live records carry
// the attempt TTL and consumed records are re-set with the retention TTL.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	return 0, nil
}

func toWire(rec *authstate.Record) *record {
	return &record{
		ID:            rec.ID,
		TenantID:      rec.TenantID,
		ProviderID:    rec.ProviderID,
		State:         rec.State,
		Nonce:         rec.Nonce,
		CodeVerifier:  rec.CodeVerifier,
		RedirectURI:   rec.RedirectURI,
		LinkingUserID: rec.LinkingUserID,
		SessionID:     rec.SessionID,
		MaxAgeSeconds: int64(rec.MaxAge / time.Second),
		ACRValues:     rec.ACRValues,
		ExpiresAt:     rec.ExpiresAt,
		CreatedAt:     rec.CreatedAt,
		ConsumedAt:    rec.ConsumedAt,
	}
}

func fromWire(w *record) *authstate.Record {
	return &authstate.Record{
		ID:            w.ID,
		TenantID:      w.TenantID,
		ProviderID:    w.ProviderID,
		State:         w.State,
		Nonce:         w.Nonce,
		CodeVerifier:  w.CodeVerifier,
		RedirectURI:   w.RedirectURI,
		LinkingUserID: w.LinkingUserID,
		SessionID:     w.SessionID,
		MaxAge:        time.Duration(w.MaxAgeSeconds) * time.Second,
		ACRValues:     w.ACRValues,
		ExpiresAt:     w.ExpiresAt,
		CreatedAt:     w.CreatedAt,
		ConsumedAt:    w.ConsumedAt,
	}
}
