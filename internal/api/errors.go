package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes produced at the client boundary. Callers classify failures by
// code (or the sentinel helpers below), never by message text.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeEmailExists     = "EMAIL_EXISTS"
	CodeValidation      = "VALIDATION_ERROR"
	CodeTooManyRequests = "TOO_MANY_REQUESTS"
	CodeServerError     = "SERVER_ERROR"
	CodeNetworkError    = "NETWORK_ERROR"
)

// Error is the structured failure the remote service (or the transport)
// produced. Status is zero for transport-level failures.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

// IsNetwork reports whether the error is a transport failure eligible for
// login retry. Server responses, whatever their status, are not.
func IsNetwork(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeNetworkError
	}
	return false
}

// IsCode reports whether the error carries the given code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// codeForStatus maps an HTTP status to the internal code table. Used when
// the response body does not carry its own code.
func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeEmailExists
	case http.StatusUnprocessableEntity:
		return CodeValidation
	case http.StatusTooManyRequests:
		return CodeTooManyRequests
	default:
		if status >= 500 {
			return CodeServerError
		}
		return fmt.Sprintf("HTTP_ERROR_%d", status)
	}
}

// networkError wraps a transport failure into the tagged variant.
func networkError(err error) *Error {
	return &Error{
		Code:    CodeNetworkError,
		Message: err.Error(),
	}
}
