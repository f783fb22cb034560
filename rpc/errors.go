// Package rpc implements the ironfish RPC server core: a transport-agnostic
// request/response/stream protocol served over a local domain socket, raw
// TCP, HTTP, and WebSocket, dispatched against an external router.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes carried in wire error payloads.
const (
	// CodeError marks an unstructured failure.
	CodeError = "ERROR"

	// CodeMalformedRequest marks an inbound message that failed validation.
	CodeMalformedRequest = "malformed-request"

	// CodeRouteNotFound marks a request for an unknown route.
	CodeRouteNotFound = "route-not-found"

	// CodeValidation marks a request whose parameters failed validation.
	CodeValidation = "validation"

	// CodeTooManyRequests marks a request rejected by the per-connection
	// pending bound.
	CodeTooManyRequests = "too-many-requests"
)

// ResponseError is a structured, client-facing route failure. The router and
// route handlers return it to signal a deliberate error with an HTTP-style
// status and a stable code; listeners translate it into the transport's
// error envelope. Any other error from routing is treated as an unstructured
// fault and is never rendered to the caller.
type ResponseError struct {
	// Status is the HTTP-style status code.
	Status int

	// Code is the stable machine-readable error code.
	Code string

	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return e.Message
}

// NewResponseError creates a structured route error.
func NewResponseError(status int, code, message string) *ResponseError {
	return &ResponseError{Status: status, Code: code, Message: message}
}

// NewValidationError creates a 400 validation error.
func NewValidationError(message string) *ResponseError {
	return NewResponseError(http.StatusBadRequest, CodeValidation, message)
}

// NewRouteNotFoundError creates a 404 error for an unknown route.
func NewRouteNotFoundError(route string) *ResponseError {
	return NewResponseError(http.StatusNotFound, CodeRouteNotFound,
		fmt.Sprintf("route %q does not exist", route))
}

// newTooManyRequestsError creates the 503 rejection used when a connection
// exceeds its pending-request bound.
func newTooManyRequestsError(pending int) *ResponseError {
	return NewResponseError(http.StatusServiceUnavailable, CodeTooManyRequests,
		fmt.Sprintf("connection has %d requests pending", pending))
}

// MalformedMessageError is the typed failure produced when an inbound wire
// message fails validation. It never reaches the router. Mid carries the
// verbatim id token from the wire when one was present and numeric, so the
// listener can answer with a targeted error response even when the id is
// negative or fractional.
type MalformedMessageError struct {
	// Reason describes the validation failure.
	Reason string

	// Mid is the raw request id token, nil if none was recoverable.
	Mid json.RawMessage
}

// Error implements the error interface.
func (e *MalformedMessageError) Error() string {
	return "malformed message: " + e.Reason
}

// RenderError converts an error into a wire error payload. Structured
// errors keep their own code; anything else renders with CodeError.
func RenderError(err error) ErrorPayload {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return ErrorPayload{Code: respErr.Code, Message: respErr.Message}
	}

	var malformed *MalformedMessageError
	if errors.As(err, &malformed) {
		return ErrorPayload{Code: CodeMalformedRequest, Message: malformed.Error()}
	}

	return ErrorPayload{Code: CodeError, Message: err.Error()}
}

// errorStatus returns the wire status for an error: the structured error's
// own status, 500 otherwise.
func errorStatus(err error) int {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.Status
	}
	return http.StatusInternalServerError
}
