// Package sverrors implements the error taxonomy every core component
// surfaces to its callers: a small closed set of Kinds, each with a stable
// machine-readable tag and a human-readable message that hides internal
// detail unless debug mode is requested.
package sverrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way callers need to react to it.
type Kind int

const (
	// KindValidation marks structurally invalid input. Never retried.
	KindValidation Kind = iota
	// KindAuthorizationDenied marks a policy or TEV denial.
	KindAuthorizationDenied
	// KindNotFound marks a missing referenced entity.
	KindNotFound
	// KindConflict marks a unique-index or state-transition conflict.
	KindConflict
	// KindInventoryExhausted marks a tier or partner cap hit.
	KindInventoryExhausted
	// KindStorageError marks an underlying store failure.
	KindStorageError
	// KindExternalError marks a failure in a third-party collaborator.
	KindExternalError
	// KindGenesisNotReady marks an operation blocked on Genesis finalization.
	KindGenesisNotReady
	// KindGenesisAlreadyFinalized marks a repeated Genesis ceremony attempt.
	KindGenesisAlreadyFinalized
	// KindFatal marks an aborted operation after an invariant violation or
	// audit-write failure. Callers must not treat the operation as having
	// succeeded.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorizationDenied:
		return "authorization_denied"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInventoryExhausted:
		return "inventory_exhausted"
	case KindStorageError:
		return "storage_error"
	case KindExternalError:
		return "external_error"
	case KindGenesisNotReady:
		return "genesis_not_ready"
	case KindGenesisAlreadyFinalized:
		return "genesis_already_finalized"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, a stable tag for API
// consumers, and the wrapped cause (kept out of Message; DebugDetail()
// renders it for the caller formatting the response).
type Error struct {
	Kind    Kind
	Tag     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// DebugDetail renders the wrapped cause for operators running with a debug
// flag enabled; production responses should use Error.Message instead.
func (e *Error) DebugDetail() string {
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

func newErr(kind Kind, tag, message string, cause error) *Error {
	return &Error{Kind: kind, Tag: tag, Message: message, Cause: cause}
}

// Validation wraps a structural input failure.
func Validation(tag, message string, cause error) *Error {
	return newErr(KindValidation, tag, message, cause)
}

// AuthorizationDenied wraps a policy/TEV denial.
func AuthorizationDenied(tag, message string, cause error) *Error {
	return newErr(KindAuthorizationDenied, tag, message, cause)
}

// NotFound wraps a missing-entity failure.
func NotFound(tag, message string, cause error) *Error {
	return newErr(KindNotFound, tag, message, cause)
}

// Conflict wraps a unique-index or state-transition conflict.
func Conflict(tag, message string, cause error) *Error {
	return newErr(KindConflict, tag, message, cause)
}

// InventoryExhausted wraps a tier/partner cap hit.
func InventoryExhausted(tag, message string, cause error) *Error {
	return newErr(KindInventoryExhausted, tag, message, cause)
}

// StorageError wraps an underlying store failure.
func StorageError(tag, message string, cause error) *Error {
	return newErr(KindStorageError, tag, message, cause)
}

// ExternalError wraps a third-party collaborator failure.
func ExternalError(tag, message string, cause error) *Error {
	return newErr(KindExternalError, tag, message, cause)
}

// GenesisNotReady wraps a pre-Genesis operation attempt.
func GenesisNotReady(tag, message string, cause error) *Error {
	return newErr(KindGenesisNotReady, tag, message, cause)
}

// GenesisAlreadyFinalized wraps a repeated finalize attempt.
func GenesisAlreadyFinalized(tag, message string, cause error) *Error {
	return newErr(KindGenesisAlreadyFinalized, tag, message, cause)
}

// Fatal wraps an aborted operation after an invariant violation.
func Fatal(tag, message string, cause error) *Error {
	return newErr(KindFatal, tag, message, cause)
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code the gateway shell should use.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return 400
	case KindAuthorizationDenied:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindInventoryExhausted:
		return 409
	case KindStorageError, KindFatal:
		return 500
	case KindExternalError:
		return 502
	case KindGenesisNotReady, KindGenesisAlreadyFinalized:
		return 409
	default:
		return 500
	}
}
