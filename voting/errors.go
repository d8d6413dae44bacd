package voting

import (
	"errors"

	"github.com/computersciencehouse/pollify/fairness"
	"github.com/computersciencehouse/pollify/identity"
)

var (
	ErrNotFound               = errors.New("poll not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAlreadyVoted           = errors.New("already voted")
)

// InputError is a request validation failure with a message meant for the user.
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

func invalid(message string) error {
	return &InputError{Message: message}
}

const (
	AuthReasonMissing = "missing"
	AuthReasonExpired = "expired"
	AuthReasonInvalid = "invalid"
)

// AuthError is returned when a vote needs a verified account and none was
// established. Reason tells the client whether to log in or to refresh.
type AuthError struct {
	Reason string
	Err    error
}

func newAuthError(cause error) *AuthError {
	switch {
	case cause == nil, errors.Is(cause, identity.ErrNoCredential):
		return &AuthError{Reason: AuthReasonMissing, Err: cause}
	case errors.Is(cause, identity.ErrTokenExpired):
		return &AuthError{Reason: AuthReasonExpired, Err: cause}
	default:
		return &AuthError{Reason: AuthReasonInvalid, Err: cause}
	}
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case AuthReasonExpired:
		return "Token expired. Please log in again."
	case AuthReasonInvalid:
		return "Invalid authentication token"
	default:
		return "Authentication required. Please log in."
	}
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthenticationRequired }

func (e *AuthError) Unwrap() error { return e.Err }

// RejectionError is a duplicate vote. Layer names the fairness layer that
// caught it.
type RejectionError struct {
	Layer fairness.Layer
}

func (e *RejectionError) Error() string { return e.Layer.Message() }

func (e *RejectionError) Is(target error) bool { return target == ErrAlreadyVoted }
