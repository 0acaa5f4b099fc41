// Package errs defines the distinct error kinds carried across the core's
// components (spec §7). Every kind records its operation and enough context
// to debug without ever formatting key material, signatures, or ciphertext.
package errs

import (
	"errors"
	"fmt"
)

// Kind distinguishes error categories for errors.As dispatch.
type Kind string

const (
	KindInvalidPayload         Kind = "invalid_payload"
	KindInvalidKey             Kind = "invalid_key"
	KindInvalidNonce           Kind = "invalid_nonce"
	KindDecryptionFailed       Kind = "decryption_failed"
	KindInvalidSignature       Kind = "invalid_signature"
	KindKeyDerivationFailed    Kind = "key_derivation_failed"
	KindSessionNotFound        Kind = "session_not_found"
	KindSessionExpired         Kind = "session_expired"
	KindSessionClosed          Kind = "session_closed"
	KindOverCapacity           Kind = "over_capacity"
	KindRateLimited            Kind = "rate_limited"
	KindChainUnsupported       Kind = "chain_unsupported"
	KindCheckpointPublishFailed Kind = "checkpoint_publish_failed"
	KindProofGenerationFailed  Kind = "proof_generation_failed"
	KindStorageUnavailable     Kind = "storage_unavailable"
	KindChainUnavailable       Kind = "chain_unavailable"
)

// Error is the single error type used across the core. Op names the
// operation that failed; Context carries kind-specific detail (field name,
// expected/actual sizes, chain id); Reason is a short human string. Err, if
// set, is the underlying cause and participates in errors.Is/As via Unwrap.
type Error struct {
	Kind    Kind
	Op      string
	Context map[string]any
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.Kind(...)) style matching work via a second
// *Error whose Kind is set and everything else zero.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap constructs an *Error of the given kind wrapping a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: err.Error(), Err: err}
}

// WithContext attaches a context key/value and returns the same error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Sentinel returns a bare *Error carrying only a Kind, for use with errors.Is.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
