package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"chainflow/internal/logging"
	"chainflow/internal/metrics"
)

// NewRouter builds the echo instance with middleware, the /api/v1 routes,
// webhook ingestion, health, metrics and docs.
func NewRouter(s *Server, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(requestLogger(logger))
	e.Use(metricsMiddleware())

	e.GET("/health", s.HandleHealth)
	e.POST("/webhooks/:sourceId", s.IngestWebhook)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET(specPath, SpecHandler)
	e.GET("/docs", SwaggerHandler)

	RegisterHandlers(e.Group("/api/v1"), s)
	return e
}

// requestLogger logs each request through the service logger.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []interface{}{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				args = append(args, "error", v.Error)
			}
			logger.Debug("request", args...)
			return nil
		},
	})
}

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				status = problemFor(err).Status
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			metrics.RecordHTTPRequest(c.Request().Method, path, status, time.Since(start).Seconds())
			return err
		}
	}
}
