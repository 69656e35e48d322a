package condochat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrInvalidAmount   = errors.New("offer amount must be greater than zero")
	ErrOfferNotFound   = errors.New("offer not found")
	ErrOfferNotPending = errors.New("offer is no longer pending")
	ErrOfferTerminal   = errors.New("offer status is final")
	ErrSelfResponse    = errors.New("cannot respond to your own offer")
	ErrNoConversation  = errors.New("no conversation is open")
	ErrRateLimited     = errors.New("sending too quickly, try again shortly")
	ErrIdentityUnknown = errors.New("current user is unknown")
)

// ValidationError is a command precondition failure. No request was sent and
// local state is unchanged.
type ValidationError struct {
	Code    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func newValidationError(code string, err error) *ValidationError {
	return &ValidationError{Code: code, Message: err.Error(), Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// APIError represents a non-2xx response from the backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}
