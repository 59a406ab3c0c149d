package api

import (
	"errors"
	"net/http"
)

// Error codes returned in API responses alongside the HTTP status.
const (
	CodeValidation          = "validation"
	CodeAuthentication      = "authentication"
	CodeNotFound            = "not-found"
	CodeInvalidState        = "invalid-state"
	CodeRetryExhausted      = "retry-exhausted"
	CodeUpstreamUnavailable = "upstream-unavailable"
)

// RequestError carries an HTTP status and machine-readable code together with
// a human-readable message. Handlers surface it as a JSON error body.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// ValidationError reports a malformed or semantically invalid request.
func ValidationError(message string) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message}
}

// AuthenticationError reports missing or invalid credentials.
func AuthenticationError(message string) *RequestError {
	return &RequestError{Status: http.StatusUnauthorized, Code: CodeAuthentication, Message: message}
}

// NotFoundError reports a missing resource.
func NotFoundError(message string) *RequestError {
	return &RequestError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

// PreconditionError reports an operation attempted against a job in the wrong
// lifecycle status.
func PreconditionError(message string) *RequestError {
	return &RequestError{Status: http.StatusConflict, Code: CodeInvalidState, Message: message}
}

// RetryExhaustedError reports a retry attempted on a job that already consumed
// its retry allowance.
func RetryExhaustedError(message string) *RequestError {
	return &RequestError{Status: http.StatusConflict, Code: CodeRetryExhausted, Message: message}
}

// UpstreamError reports a failure reaching or negotiating with the transcode
// provider.
func UpstreamError(message string) *RequestError {
	return &RequestError{Status: http.StatusBadGateway, Code: CodeUpstreamUnavailable, Message: message}
}

// WriteRequestError renders err as a JSON error response. Errors that are not
// RequestError values fall back to a 500 with no code.
func WriteRequestError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		writeJSON(w, reqErr.Status, map[string]string{"error": reqErr.Message, "code": reqErr.Code})
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
