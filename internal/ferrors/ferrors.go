// Package ferrors defines the error-kind taxonomy used across the trust-chain
// builder and metadata resolver. Every component wraps failures in a *FedError
// carrying one of the sentinel Kinds below, following the teacher resolver's
// fmt.Errorf("...: %w", err) wrapping idiom rather than introducing a new
// errors library.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a federation error, per spec section 7.
type Kind string

const (
	// Network
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"

	// Protocol
	KindProtocol        Kind = "protocol"
	KindBadStatus       Kind = "bad_status"
	KindBadContentType  Kind = "bad_content_type"
	KindMalformedJWS    Kind = "malformed_jws"

	// Cryptographic
	KindSignatureInvalid Kind = "signature_invalid"
	KindKeyNotFound      Kind = "key_not_found"
	KindAlgNotAllowed    Kind = "alg_not_allowed"

	// Temporal
	KindStatementExpired     Kind = "statement_expired"
	KindStatementNotYetValid Kind = "statement_not_yet_valid"

	// Linkage
	KindIssuerSubjectMismatch Kind = "issuer_subject_mismatch"
	KindNoAuthorityHint       Kind = "no_authority_hint"
	KindAnchorNotReached      Kind = "anchor_not_reached"
	KindPathTooLong           Kind = "path_too_long"
	KindCycleDetected         Kind = "cycle_detected"

	// Policy
	KindPolicyConflict        Kind = "policy_conflict"
	KindPolicyViolation       Kind = "policy_violation"
	KindEssentialClaimMissing Kind = "essential_claim_missing"
	KindUnknownOperator       Kind = "unknown_operator"

	// Configuration
	KindInvalidEntityID        Kind = "invalid_entity_id"
	KindNoTrustAnchorConfigured Kind = "no_trust_anchor_configured"
)

// FedError is the common error type surfaced by every component. EntityID
// names the offending entity (when known); Kind names the taxonomy bucket.
type FedError struct {
	Kind     Kind
	EntityID string
	Op       string
	Err      error
}

func (e *FedError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s [%s]: %v", e.Op, e.Kind, e.EntityID, e.Err)
}

func (e *FedError) Unwrap() error { return e.Err }

// Is reports whether target is a *FedError with the same Kind, so callers can
// use errors.Is(err, &FedError{Kind: KindStatementExpired}).
func (e *FedError) Is(target error) bool {
	var other *FedError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a *FedError, wrapping the underlying cause.
func New(kind Kind, op, entityID string, err error) *FedError {
	return &FedError{Kind: kind, Op: op, EntityID: entityID, Err: err}
}

// Newf builds a *FedError from a formatted message.
func Newf(kind Kind, op, entityID, format string, args ...any) *FedError {
	return &FedError{Kind: kind, Op: op, EntityID: entityID, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it is (or wraps) a *FedError.
func KindOf(err error) (Kind, bool) {
	var fe *FedError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
