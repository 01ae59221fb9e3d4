package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"

	"chainflow/internal/chains"
	"chainflow/internal/logging"
	"chainflow/internal/repository"
	"chainflow/internal/runs"
	"chainflow/internal/trigger"
	"chainflow/pkg/models"
)

// problemFor maps an error onto an RFC 7807 Problem Details body.
func problemFor(err error) models.ProblemDetails {
	var (
		httpErr    *echo.HTTPError
		validation *chains.ValidationError
	)
	switch {
	case errors.As(err, &httpErr):
		detail, ok := httpErr.Message.(string)
		if !ok {
			detail = http.StatusText(httpErr.Code)
		}
		return problem(httpErr.Code, detail)
	case errors.As(err, &validation):
		p := problem(http.StatusUnprocessableEntity, "chain configuration is invalid")
		p.Errors = validation.Fields
		return p
	case errors.Is(err, trigger.ErrInvalidEvent):
		return problem(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return problem(http.StatusNotFound, err.Error())
	case errors.Is(err, runs.ErrTerminalRun), errors.Is(err, repository.ErrConflict):
		return problem(http.StatusConflict, err.Error())
	default:
		return problem(http.StatusInternalServerError, "internal server error")
	}
}

func problem(status int, detail string) models.ProblemDetails {
	return models.ProblemDetails{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// ErrorHandler writes every handler error as problem details.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := problemFor(err)
		p.Instance = c.Request().URL.Path
		if span := trace.SpanContextFromContext(c.Request().Context()); span.HasTraceID() {
			p.TraceID = span.TraceID().String()
		}
		if p.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(p.Status)
		} else {
			err = c.JSON(p.Status, p)
		}
		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}
