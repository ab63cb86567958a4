package logger

import (
	"time"

	"go.uber.org/zap"
)

// Standard fields used across the federated login flow. Keeping the key names
// in one place keeps log queries stable.

// TenantID field.
func TenantID(v string) zap.Field {
	return zap.String("tenant_id", v)
}

// ProviderID field for the identity provider config id.
func ProviderID(v string) zap.Field {
	return zap.String("provider_id", v)
}

// Provider field for the provider kind/slug (google, github, ...).
func Provider(v string) zap.Field {
	return zap.String("provider", v)
}

// UserID field.
func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

// FlowID field for the auth attempt record id.
func FlowID(v string) zap.Field {
	return zap.String("flow_id", v)
}

// StatePrefix logs only a prefix of the opaque state token.
func StatePrefix(v string) zap.Field {
	if len(v) > 8 {
		v = v[:8]
	}
	return zap.String("state_prefix", v)
}

// EmailMasked masks an email to first two chars plus domain.
func EmailMasked(email string) zap.Field {
	return zap.String("email_masked", maskEmail(email))
}

// Component identifies the emitting package/module.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Layer identifies the layer (handler, service, store).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Op is the operation in progress.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err wraps an error field.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count field.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Duration field.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Status field for upstream HTTP status codes.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// String is a passthrough for ad-hoc fields.
func String(k, v string) zap.Field {
	return zap.String(k, v)
}

// Bool is a passthrough for ad-hoc fields.
func Bool(k string, v bool) zap.Field {
	return zap.Bool(k, v)
}

func maskEmail(email string) string {
	if len(email) < 3 {
		return "***"
	}
	at := -1
	for i, c := range email {
		if c == '@' {
			at = i
			break
		}
	}
	if at < 2 {
		return email[:2] + "***"
	}
	return email[:2] + "***" + email[at:]
}
