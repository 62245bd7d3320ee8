package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// FilterError is an error the host renders to the downstream client when the
// filter could not process an exchange.
type FilterError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *FilterError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *FilterError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base errors (no details/requestID) use pre-serialized JSON.
func (e *FilterError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &FilterError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrBadGateway = &FilterError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	// ErrPluginUnavailable is returned by a fail-closed plugin that failed to
	// load or whose breaker is open.
	ErrPluginUnavailable = &FilterError{
		Code:    http.StatusServiceUnavailable,
		Message: "Filter Unavailable",
	}

	// ErrFilterTimeout is returned when a guest callback or a paused phase
	// exceeded its bound.
	ErrFilterTimeout = &FilterError{
		Code:    http.StatusGatewayTimeout,
		Message: "Filter Timeout",
	}

	// ErrFilterFailure is returned by a fail-closed plugin whose guest trapped.
	ErrFilterFailure = &FilterError{
		Code:    http.StatusInternalServerError,
		Message: "Filter Failure",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*FilterError][]byte

func init() {
	bases := []*FilterError{
		ErrNotFound, ErrBadGateway, ErrPluginUnavailable,
		ErrFilterTimeout, ErrFilterFailure,
	}
	preSerialized = make(map[*FilterError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new FilterError
func New(code int, message string) *FilterError {
	return &FilterError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an HTTP code and message
func Wrap(err error, code int, message string) *FilterError {
	return &FilterError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *FilterError) WithDetails(details string) *FilterError {
	return &FilterError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *FilterError) WithRequestID(requestID string) *FilterError {
	return &FilterError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// WithCause returns a copy of e wrapping err.
func (e *FilterError) WithCause(err error) *FilterError {
	return &FilterError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: err,
	}
}

// AsFilterError finds a FilterError in err's chain.
func AsFilterError(err error) (*FilterError, bool) {
	var fe *FilterError
	if stderrors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
