package logger

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const RequestIDKey = "X-Request-ID"

// loggerKey is the echo.Context key under which the request-scoped logger is
// stored; middleware that enriches the logger (auth, API key) reuses it
const loggerKey = "logger"

// FromContext retrieves the request-scoped logger from echo.Context. Falls
// back to the global logger tagged with the request ID when the logging
// middleware did not run.
func FromContext(c echo.Context) *zap.Logger {
	if logger, ok := c.Get(loggerKey).(*zap.Logger); ok {
		return logger
	}

	requestID, ok := c.Get(RequestIDKey).(string)
	if !ok {
		requestID = c.Request().Header.Get(RequestIDKey)
		if requestID == "" {
			requestID = "unknown"
		}
	}

	return GetLogger().With(zap.String("request_id", requestID))
}
