// Package apierr builds the OpenAI-shaped error envelope the gateway
// returns to clients, and classifies upstream failures into the public
// error taxonomy from the gateway's error-handling design.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Type is the public error taxonomy surfaced in the JSON envelope's
// "error.type" field.
type Type string

const (
	TypeValidation     Type = "validation_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeRateLimit      Type = "rate_limit_exceeded"
	TypeUpstream       Type = "upstream_error"
	TypeStreamIdle     Type = "stream_idle_timeout"
	TypeInternal       Type = "internal_error"
)

// statusForType is the default HTTP status for each taxonomy entry.
var statusForType = map[Type]int{
	TypeValidation:     http.StatusBadRequest,
	TypeAuthentication: http.StatusUnauthorized,
	TypePermission:     http.StatusForbidden,
	TypeRateLimit:      http.StatusTooManyRequests,
	TypeUpstream:       http.StatusBadGateway,
	TypeStreamIdle:     http.StatusGatewayTimeout,
	TypeInternal:       http.StatusInternalServerError,
}

// Error is a public, client-facing gateway error. It implements the error
// interface so it can travel through ordinary Go error-handling paths and
// still be rendered as the OpenAI envelope at the HTTP boundary.
type Error struct {
	HTTPStatus int
	ErrType    Type
	Code       string
	Message    string
	Param      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrType, e.Message)
}

// New builds an Error for typ with the default status for that type.
func New(typ Type, code, message string) *Error {
	return &Error{HTTPStatus: statusForType[typ], ErrType: typ, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(typ Type, code, format string, args ...any) *Error {
	return New(typ, code, fmt.Sprintf(format, args...))
}

// WithStatus overrides the HTTP status (upstream_error carries a
// cause-dependent status: 502/503/504).
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func Validation(format string, args ...any) *Error {
	return Newf(TypeValidation, "invalid_request", format, args...)
}

func RateLimitExceeded(message string) *Error {
	return New(TypeRateLimit, "rate_limit_exceeded", message)
}

func Upstream(status int, message string) *Error {
	return New(TypeUpstream, "upstream_error", message).WithStatus(status)
}

func StreamIdleTimeout(message string) *Error {
	return New(TypeStreamIdle, "stream_idle_timeout", message)
}

func Internal(message string) *Error {
	return New(TypeInternal, "internal_error", message)
}

// envelope is the OpenAI-compatible error body: {"error":{...}}.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// JSON renders e as the OpenAI error envelope bytes.
func (e *Error) JSON() []byte {
	body := envelope{Error: envelopeBody{
		Message: e.Message,
		Type:    string(e.ErrType),
		Code:    e.Code,
		Param:   e.Param,
	}}
	data, _ := json.Marshal(body)
	return data
}

// AsAPIError converts any error into an *Error, defaulting unrecognized
// errors to internal_error so the gateway never leaks a bare Go error
// string to a client.
func AsAPIError(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return Internal(err.Error())
}

// WriteJSON writes e as a non-streaming JSON error response.
func WriteJSON(w http.ResponseWriter, err error) {
	ae := AsAPIError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus)
	w.Write(ae.JSON())
}

// SSEEvent renders e as a terminal "event: error" SSE frame, for failures
// that occur after response headers (and therefore status 200) have
// already been sent to the client.
func SSEEvent(err error) string {
	ae := AsAPIError(err)
	return fmt.Sprintf("event: error\ndata: %s\n\n", ae.JSON())
}
