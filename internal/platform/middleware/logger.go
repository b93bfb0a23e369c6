package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

// Logger writes one line per request. Client errors log at warn and server
// errors at error, both with the error attached.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status := responseStatus(c, err)
			rid, _ := c.Get("request_id").(string)

			logger.WithLevel(levelFor(status, err)).
				Err(err).
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("route", c.Path()).
				Str("actor", auth.UserIDFromContext(req.Context())).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

// responseStatus reports the status the error handler is about to write when
// the handler returned an error instead of a response.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}

func levelFor(status int, err error) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case err != nil || status >= 400:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}
