package models

import "errors"

// Error kinds shared by every component. Callers wrap them with context
// via fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAuth                = errors.New("auth error")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Code names the kind of err for clients. Unknown errors are "INTERNAL".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrAuth):
		return "AUTH"
	default:
		return "INTERNAL"
	}
}
