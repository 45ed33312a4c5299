package middleware

import (
	"errors"
	"net/http"

	"integration-service/internal/registry"
	"integration-service/pkg/logger"
	"integration-service/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// APIKeyHeader carries the credential token on integration-facing routes
const APIKeyHeader = "X-API-Key"

var reg *registry.Registry

// InitAPIKeyAuth wires the credential registry into the API key middleware
func InitAPIKeyAuth(r *registry.Registry) {
	reg = r
}

// APIKeyAuthMiddleware authenticates integration requests by their API key
// token. Only active credentials pass; authentication bumps the credential's
// usage counters.
func APIKeyAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		log := logger.FromContext(c)

		token := c.Request().Header.Get(APIKeyHeader)
		if token == "" {
			log.Warn("Missing API key")
			prometheus.RecordAuthError("missing_api_key")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing API key"})
		}

		credential, err := reg.Authenticate(token)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrNotFound):
				log.Warn("Unknown API key")
				prometheus.RecordAuthError("not_found")
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid API key"})
			case errors.Is(err, registry.ErrInactive):
				log.Warn("Inactive credential", zap.Error(err))
				prometheus.RecordAuthError("inactive")
				return c.JSON(http.StatusForbidden, echo.Map{"error": "credential is not active"})
			default:
				log.Error("Failed to authenticate API key", zap.Error(err))
				return c.JSON(http.StatusInternalServerError, echo.Map{"error": "authentication failed"})
			}
		}

		// Add credential to context
		c.Set("credential", credential)
		c.Set("credential_id", credential.ID)

		// Update logger with credential information
		c.Set("logger", log.With(zap.String("credential_id", credential.ID)))

		return next(c)
	}
}
