// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrDuplicate  = errors.New("duplicate entry")
	ErrValidation = errors.New("validation failed")
)

// CodedError is implemented by domain errors that carry their own status and code.
type CodedError interface {
	error
	HTTPStatus() int
	ProblemCode() string
	ProblemDetail() string
	Retryable() bool
}

// RetryAfterSeconds is sent with retryable conflict responses.
const RetryAfterSeconds = 1

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var coded CodedError
	if errors.As(err, &coded) {
		status := coded.HTTPStatus()
		if status == http.StatusConflict && coded.Retryable() {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		}
		ProblemCode(w, status, http.StatusText(status), coded.ProblemDetail(), coded.ProblemCode())
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
