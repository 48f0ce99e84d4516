package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/telemetry"
)

// errorBody is the JSON error envelope every failing endpoint returns.
type errorBody struct {
	Error struct {
		Kind    string         `json:"kind"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields,omitempty"`
	} `json:"error"`
}

// statusFor maps error kinds to HTTP statuses.
func statusFor(kind rferr.Kind) int {
	switch kind {
	case rferr.KindValidation:
		return http.StatusBadRequest
	case rferr.KindAuthentication:
		return http.StatusUnauthorized
	case rferr.KindAuthorization:
		return http.StatusForbidden
	case rferr.KindNotFound:
		return http.StatusNotFound
	case rferr.KindConflict:
		return http.StatusConflict
	case rferr.KindTimeout:
		return http.StatusGatewayTimeout
	case rferr.KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every error through the taxonomy. Echo's own HTTP
// errors (404 on unknown routes, method not allowed) keep their status.
func errorHandler(logger telemetry.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		var body errorBody

		var he *echo.HTTPError
		var rfe *rferr.Error
		switch {
		case errors.As(err, &rfe):
			status = statusFor(rfe.Kind)
			body.Error.Kind = string(rfe.Kind)
			body.Error.Message = rfe.Message
			body.Error.Fields = rfe.Fields
		case errors.As(err, &he):
			status = he.Code
			body.Error.Kind = string(rferr.KindValidation)
			if status == http.StatusNotFound {
				body.Error.Kind = string(rferr.KindNotFound)
			}
			body.Error.Message = http.StatusText(status)
		default:
			body.Error.Kind = string(rferr.KindConfiguration)
			body.Error.Message = "internal error"
		}
		if status >= http.StatusInternalServerError {
			logger.Error(c.Request().Context(), "request failed",
				"method", c.Request().Method, "path", c.Path(), "err", err)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}
