package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
)

// ErrorHandler maps service errors onto HTTP responses in one place so
// handlers can return errors as-is. Typed apperr kinds drive the status;
// echo's own HTTPErrors pass through; anything else becomes a 500 with
// the internal detail withheld unless dev is set.
func ErrorHandler(logger zerolog.Logger, dev bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := apperr.Status(err)
		msg := apperr.Message(err)

		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(status)
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", status).
				Msg("request failed")
			if dev {
				msg = err.Error()
			}
		}

		resp := map[string]interface{}{"error": msg}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, resp)
	}
}
