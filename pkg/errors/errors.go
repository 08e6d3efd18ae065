// Package errors implements the closed error taxonomy shared by every
// layer of the LwM2M core: the codec layer, the store, the state
// machines, and the dispatcher all return (or wrap) a *Error so that the
// dispatcher can map failures to CoAP response codes in one place.
package errors

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Code is one member of the closed error taxonomy from the protocol spec.
type Code string

const (
	CodePathInvalid           Code = "PATH_INVALID"
	CodeNotDefined            Code = "NOT_DEFINED"
	CodeNotFound              Code = "NOT_FOUND"
	CodeTypeMismatch          Code = "TYPE_MISMATCH"
	CodeDecodeError           Code = "DECODE_ERROR"
	CodeOperationNotPermitted Code = "OPERATION_NOT_PERMITTED"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeCannotCreate          Code = "CANNOT_CREATE"
	CodeCannotDelete          Code = "CANNOT_DELETE"
	CodeAlreadyDefined        Code = "ALREADY_DEFINED"
	CodeTimeout               Code = "TIMEOUT"
	CodeTransportError        Code = "TRANSPORT_ERROR"
	CodeInternal              Code = "INTERNAL"
)

// Error is a structured error carrying the taxonomy code, a human message,
// the CoAP response code the dispatcher should emit, and optional details
// useful for logging.
type Error struct {
	Code     Code
	Message  string
	CoAPCode codes.Code
	Details  map[string]interface{}
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value used for logging or diagnostics.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an Error with no wrapped cause.
func New(code Code, coapCode codes.Code, message string) *Error {
	return &Error{Code: code, CoAPCode: coapCode, Message: message}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(code Code, coapCode codes.Code, message string, err error) *Error {
	return &Error{Code: code, CoAPCode: coapCode, Message: message, Err: err}
}

// Retryable reports whether state machines should treat the error as a
// transient collaborator failure eligible for backoff-and-retry, as
// opposed to an error that must abandon the owning request.
func (e *Error) Retryable() bool {
	return e.Code == CodeTimeout || e.Code == CodeTransportError
}

// Constructors mirror the taxonomy 1:1 with their mandatory CoAP mapping.

func PathInvalid(detail string) *Error {
	return New(CodePathInvalid, codes.NotFound, "malformed or out-of-range path").WithDetail("path", detail)
}

func NotDefined(what string) *Error {
	return New(CodeNotDefined, codes.NotFound, "object or resource not defined").WithDetail("target", what)
}

func NotFound(what string) *Error {
	return New(CodeNotFound, codes.NotFound, "no such instance").WithDetail("target", what)
}

func TypeMismatch(field, expected string) *Error {
	return New(CodeTypeMismatch, codes.BadRequest, "wire type does not match registry").
		WithDetail("field", field).WithDetail("expected", expected)
}

func DefinitionInvalid(reason string) *Error {
	return New(CodeDecodeError, codes.BadRequest, "invalid definition").WithDetail("reason", reason)
}

func DecodeError(format string, err error) *Error {
	return Wrap(CodeDecodeError, codes.BadRequest, "malformed payload for content format", err).
		WithDetail("format", format)
}

func OperationNotPermitted(op string) *Error {
	return New(CodeOperationNotPermitted, codes.MethodNotAllowed, "operation not permitted on this resource").
		WithDetail("operation", op)
}

func Unauthorized(reason string) *Error {
	return New(CodeUnauthorized, codes.Unauthorized, "origin not permitted").WithDetail("reason", reason)
}

func CannotCreate(reason string) *Error {
	return New(CodeCannotCreate, codes.MethodNotAllowed, "cannot create instance").WithDetail("reason", reason)
}

func CannotDelete(reason string) *Error {
	return New(CodeCannotDelete, codes.MethodNotAllowed, "cannot delete instance").WithDetail("reason", reason)
}

func AlreadyDefined(what string) *Error {
	return New(CodeAlreadyDefined, codes.BadRequest, "duplicate registration").WithDetail("target", what)
}

func Timeout(op string) *Error {
	return New(CodeTimeout, codes.GatewayTimeout, "operation timed out").WithDetail("operation", op)
}

func TransportErr(op string, err error) *Error {
	return Wrap(CodeTransportError, codes.ServiceUnavailable, "transport collaborator failed", err).
		WithDetail("operation", op)
}

func Internal(message string, err error) *Error {
	return Wrap(CodeInternal, codes.InternalServerError, message, err)
}

// As reports whether err is (or wraps) a *Error, in the style of errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CoAPCodeFor returns the mandatory CoAP response code for any error,
// falling back to 5.00 Internal Server Error for unrecognized errors per
// the dispatcher's mapping table.
func CoAPCodeFor(err error) codes.Code {
	if e, ok := As(err); ok {
		return e.CoAPCode
	}
	return codes.InternalServerError
}
