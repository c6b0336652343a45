package errors

import (
	"fmt"
)

// APIError is the only error shape ever surfaced at the protocol boundary.
// Every instance carries a stable numeric code and a human-readable message;
// raw internal errors never cross the wire.
type APIError interface {
	error
	Code() int
	Message() string
	WithMessage(msg string) APIError
	WithError(err error) APIError
}

type apiError struct {
	code    int
	message string
	cause   error
}

func (e *apiError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [%d]: %s", e.message, e.code, e.cause.Error())
	}

	return fmt.Sprintf("%s [%d]", e.message, e.code)
}

func (e *apiError) Code() int {
	return e.code
}

func (e *apiError) Message() string {
	return e.message
}

func (e *apiError) Unwrap() error {
	return e.cause
}

func (e *apiError) WithMessage(msg string) APIError {
	return &apiError{code: e.code, message: msg, cause: e.cause}
}

func (e *apiError) WithError(err error) APIError {
	return &apiError{code: e.code, message: e.message, cause: err}
}

func define(code int, message string) func() APIError {
	return func() APIError {
		return &apiError{code: code, message: message}
	}
}

// Client / auth errors (41xx)
var (
	ErrAuthTimeout       = define(4101, "Authentication Timeout")
	ErrAuthFailed        = define(4102, "Authentication Failed")
	ErrRateLimited       = define(4103, "Rate Limit Reached")
	ErrInvalidPayload    = define(4104, "Invalid Payload")
	ErrUnknownOperation  = define(4105, "Unknown Operation")
	ErrAlreadyIdentified = define(4106, "Already Identified")
	ErrUnauthorized      = define(4107, "Unauthorized")
)

// Backend availability (42xx): these degrade service, they never crash it.
var (
	ErrStorageUnavailable = define(4201, "Storage Unavailable")
	ErrBusUnavailable     = define(4202, "Broadcast Bus Unavailable")
)

// Push delivery (43xx)
var (
	ErrPushDeliveryFailed = define(4301, "Push Delivery Failed")
	ErrInvalidPushToken   = define(4302, "Invalid Push Token")
)

// Internal (45xx)
var (
	ErrInternalServerError = define(4500, "Internal Server Error")
)

// From returns err as an APIError, wrapping it as an internal error when it
// is any other shape.
func From(err error) APIError {
	if err == nil {
		return nil
	}

	switch e := err.(type) {
	case APIError:
		return e
	}

	return ErrInternalServerError().WithError(err)
}
