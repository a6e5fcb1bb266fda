package httpapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/miradorflow/core/internal/errs"
)

// errorResponse is the JSON body returned for every failed request.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorHandler maps an EngineError's Code to an HTTP status, falling back to
// echo's own HTTPError handling and then a generic 500 for anything else.
func ErrorHandler() echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var engineErr *errs.EngineError
		if errs.As(err, &engineErr) {
			c.JSON(statusForCode(engineErr.Code), errorResponse{
				Error:   engineErr.Code,
				Message: engineErr.Message,
			})
			return
		}

		if he, ok := err.(*echo.HTTPError); ok {
			c.JSON(he.Code, errorResponse{
				Error:   http.StatusText(he.Code),
				Message: fmt.Sprintf("%v", he.Message),
			})
			return
		}

		c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "internal_error",
			Message: err.Error(),
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case "NOT_FOUND":
		return http.StatusNotFound
	case "STATE":
		return http.StatusConflict
	case "CONFIG", "CYCLE":
		return http.StatusBadRequest
	case "NODE", "INIT", "SOURCE":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
