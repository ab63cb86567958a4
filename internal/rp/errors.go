package rp

import (
	"errors"
	"fmt"
)

// The client surfaces four error classes: configuration (no usable endpoint),
// network (transport failure), protocol (non-2xx from the provider, status
// only — the body never leaves the server logs) and validation (one of the
// ID-token checks, each individually distinguishable).

// ConfigurationError means the provider config cannot produce a usable
// endpoint for the requested operation.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "rp: configuration: " + e.Reason
}

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("rp: network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a non-2xx provider response. It carries only the status;
// the raw body may contain provider secrets or PII and is logged server-side.
type ProtocolError struct {
	Op     string
	Status int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rp: protocol: %s returned http %d", e.Op, e.Status)
}

// Check identifies which step of the ID-token validation chain failed.
type Check string

const (
	CheckSignature       Check = "signature"
	CheckIssuer          Check = "issuer"
	CheckAudience        Check = "audience"
	CheckNonce           Check = "nonce"
	CheckExpiry          Check = "expiry"
	CheckAuthorizedParty Check = "azp"
	CheckAuthTime        Check = "auth_time"
	CheckTokenHash       Check = "token_hash"
	CheckACR             Check = "acr"
)

// ValidationError is a failed ID-token check. Never retried, except the
// single forced-JWKS-refresh retry for signature failures.
type ValidationError struct {
	Check  Check
	Reason string

	// Cause carries the underlying verification error, when there is one.
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rp: id token %s check failed: %s", e.Check, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// IsValidation reports whether err is a ValidationError for the given check.
func IsValidation(err error, check Check) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Check == check
}

// errKeyNotFound marks a JWKS lookup miss; it is signature-class for the
// purposes of the refresh-and-retry rule.
var errKeyNotFound = errors.New("signing key not found in jwks")
