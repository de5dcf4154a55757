package broker

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidGrant covers authorization codes and refresh tokens that are
	// unknown, expired, already used or bound to another client. The cases are
	// deliberately indistinguishable.
	ErrInvalidGrant = errors.New("invalid or expired grant")
	// ErrInvalidToken is returned for access tokens that are unknown or expired.
	ErrInvalidToken = errors.New("invalid or expired access token")
)

// CallbackError is a callback failure that maps onto an HTTP status.
type CallbackError struct {
	Status  int
	Message string
	Err     error
}

func (e *CallbackError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *CallbackError) Unwrap() error { return e.Err }

func badCallback(message string) *CallbackError {
	return &CallbackError{Status: http.StatusBadRequest, Message: message}
}

func failedCallback(err error) *CallbackError {
	return &CallbackError{Status: http.StatusInternalServerError, Message: "Failed to complete authentication", Err: err}
}
