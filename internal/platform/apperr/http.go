package apperr

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// StatusCode maps a Kind onto an HTTP status.
func StatusCode(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindStateConflict, KindConcurrency, KindCapacity:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// ToHTTP converts a service error into an echo HTTP error. Unclassified
// errors become 500s with a generic message.
func ToHTTP(err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(StatusCode(kind), map[string]string{
		"kind":    string(kind),
		"message": err.Error(),
	})
}
