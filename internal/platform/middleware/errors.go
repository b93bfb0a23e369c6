package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
)

// ErrorHandler renders every handler error as {"error": ...}. Classified
// service errors that reach it unconverted are mapped with apperr.ToHTTP.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			errors.As(apperr.ToHTTP(err), &he)
		}
		if he.Code >= http.StatusInternalServerError {
			internal := he.Internal
			if internal == nil {
				internal = err
			}
			logger.Error().Err(internal).
				Str("request_id", c.Response().Header().Get(RequestIDHeader)).
				Msg("unhandled error")
		}

		body := map[string]interface{}{"error": he.Message}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, body)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("write error response")
		}
	}
}
