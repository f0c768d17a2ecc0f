// Package httperr provides typed HTTP errors carrying a status code, a
// machine-readable code and optional structured data. Every error surfaced
// by the framework's handlers is expected to be (or wrap) an *Error so the
// JSON error middleware can render it without inspecting stack traces.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an HTTP error with a status code and optional structured data.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Data       any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// FromUserInput creates a client-side (4xx) error.
func FromUserInput(statusCode int, message string, data ...any) *Error {
	return newError(statusCode, message, data...)
}

// FromServer creates a server-side (5xx) error.
func FromServer(statusCode int, message string, data ...any) *Error {
	return newError(statusCode, message, data...)
}

func newError(statusCode int, message string, data ...any) *Error {
	e := &Error{
		StatusCode: statusCode,
		Code:       codeFromStatus(statusCode),
		Message:    message,
	}
	if len(data) > 0 {
		e.Data = data[0]
	}
	return e
}

// WithCode overrides the machine-readable code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// From coerces any error into an *Error. Typed errors pass through
// unchanged; everything else becomes an opaque 500 without leaking the
// underlying message to the client.
func From(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return FromServer(http.StatusInternalServerError, "Internal Server Error")
}

// Is reports whether err is (or wraps) a typed HTTP error.
func Is(err error) bool {
	var he *Error
	return errors.As(err, &he)
}

// CRUD error codes shared by the generic resource controller.
const (
	CodeQueryMalformed             = "RES-004 QUERY_MALFORM"
	CodeBadControllerConfiguration = "RES-005 BAD_CONTROLLER_CONFIGURATION"
	CodeUpdateMalformed            = "RES-006 UPDATE_MALFORM"
)

// QueryMalformed signals a malformed query-string token for a resource.
func QueryMalformed(resource, detail string) *Error {
	return FromUserInput(http.StatusBadRequest,
		fmt.Sprintf("%s: %s: %s", CodeQueryMalformed, resource, detail)).
		WithCode(CodeQueryMalformed)
}

// UpdateMalformed signals an empty or non-object create/update body.
func UpdateMalformed(resource, detail string) *Error {
	return FromUserInput(http.StatusBadRequest,
		fmt.Sprintf("%s: %s: %s", CodeUpdateMalformed, resource, detail)).
		WithCode(CodeUpdateMalformed)
}

// BadControllerConfiguration signals a controller construction defect, such
// as an unparseable resource key path. It is a boot-time error, never a
// per-request one.
func BadControllerConfiguration(resource, detail string) *Error {
	return FromServer(http.StatusInternalServerError,
		fmt.Sprintf("%s: %s: %s", CodeBadControllerConfiguration, resource, detail)).
		WithCode(CodeBadControllerConfiguration)
}

// NotFound signals a missing resource. The detail normally carries the
// composite-key hash of the failed lookup for diagnosability.
func NotFound(resource, detail string) *Error {
	return FromUserInput(http.StatusNotFound,
		fmt.Sprintf("Unknown resource %s: %s", resource, detail))
}

// codeFromStatus maps HTTP status codes to default error codes.
func codeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable_entity"
	case http.StatusTooManyRequests:
		return "too_many_requests"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "error"
	}
}
