package models

import "errors"

// Sentinel errors for the service's failure taxonomy. Components wrap these
// with fmt.Errorf("%w: ...") and the API layer maps them to HTTP statuses.
var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrDuplicateRequest       = errors.New("duplicate request id")
)
