// Package apperr classifies service errors into request validation, not found and
// server fault, on top of platform error codes.
package apperr

import (
	"net/http"

	"github.com/jmgilman/go/errors"
)

func Validation(msg string) error {
	return errors.New(errors.CodeInvalidInput, msg)
}

func Validationf(format string, args ...any) error {
	return errors.Newf(errors.CodeInvalidInput, format, args...)
}

// ValidationCause classifies err as a request validation failure; the cause stays
// reachable with errors.As.
func ValidationCause(err error, msg string) error {
	return errors.Wrap(err, errors.CodeInvalidInput, msg)
}

func NotFound(msg string) error {
	return errors.New(errors.CodeNotFound, msg)
}

func NotFoundf(format string, args ...any) error {
	return errors.Newf(errors.CodeNotFound, format, args...)
}

func NotFoundCause(err error, msg string) error {
	return errors.Wrap(err, errors.CodeNotFound, msg)
}

// Fault wraps an unexpected failure as an operator-visible server fault.
func Fault(err error, msg string) error {
	if err == nil {
		return errors.New(errors.CodeInternal, msg)
	}
	return errors.Wrap(err, errors.CodeInternal, msg)
}

func Database(err error, msg string) error {
	return errors.Wrap(err, errors.CodeDatabase, msg)
}

func Unsupported(msg string) error {
	return errors.New(errors.CodeNotImplemented, msg)
}

// With attaches a context field; nil errors stay nil.
func With(err error, key string, val any) error {
	if err == nil {
		return nil
	}
	return errors.WithContext(err, key, val)
}

func IsValidation(err error) bool { return errors.GetCode(err) == errors.CodeInvalidInput }

func IsNotFound(err error) bool { return errors.GetCode(err) == errors.CodeNotFound }

func HTTPStatus(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload returned to clients.
func Body(err error) *errors.ErrorResponse {
	return errors.ToJSON(err)
}
