package domain

import "errors"

// Lifecycle errors surface directly to the owner and abort only the
// requested operation.
var (
	ErrAlreadyRunning  = errors.New("session is already running")
	ErrNotRunning      = errors.New("session is not running")
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationReason classifies why a credential probe failed. The
// classification is preserved verbatim to the owner-facing message.
type ValidationReason string

const (
	ReasonAuthExpired       ValidationReason = "auth_expired"
	ReasonTwoFactorRequired ValidationReason = "two_factor_required"
	ReasonInvalidIdentifier ValidationReason = "invalid_identifier"
	ReasonUnknown           ValidationReason = "unknown"
)

var reasonMessages = map[ValidationReason]string{
	ReasonAuthExpired:       "credential is no longer valid, obtain a new session string",
	ReasonTwoFactorRequired: "credential requires two-factor authentication",
	ReasonInvalidIdentifier: "credential is malformed",
	ReasonUnknown:           "transport error during validation",
}

// ValidationError is a classified credential probe failure.
type ValidationError struct {
	Reason ValidationReason
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "validation failed: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "validation failed: " + string(e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// OwnerMessage is the text reported to the owner for this failure class.
func (e *ValidationError) OwnerMessage() string {
	if msg, ok := reasonMessages[e.Reason]; ok {
		return msg
	}
	return reasonMessages[ReasonUnknown]
}

// NewValidationError wraps a transport error with its failure class.
func NewValidationError(reason ValidationReason, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}

// AsValidationError extracts a ValidationError from an error chain.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
