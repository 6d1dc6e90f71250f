package models

import (
	"errors"
	"net/http"
)

// Error kinds shared across services. Handlers map them onto HTTP status
// codes; services wrap them with %w and a human-readable detail.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrImmutable          = errors.New("immutable")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// HTTPStatus maps an error kind onto the response status code.
// Unknown errors come back as 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrImmutable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
