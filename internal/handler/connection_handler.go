package handler

import (
	"errors"
	"net/http"
	"time"

	"integration-service/internal/model"
	"integration-service/internal/registry"
	"integration-service/pkg/logger"
	"integration-service/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// OpenConnection leases a connection slot under the authenticated credential
func OpenConnection(c echo.Context) error {
	log := logger.FromContext(c)

	credential, ok := c.Get("credential").(*model.Credential)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing credential context"})
	}

	var req struct {
		Metadata string `json:"metadata"`
	}
	// Metadata is optional; an empty body is fine
	_ = c.Bind(&req)

	defer prometheus.TrackDBOperation("insert")(time.Now())

	connection, err := reg.OpenConnection(credential.ID, req.Metadata)
	if err != nil {
		if errors.Is(err, registry.ErrLimitExceeded) {
			log.Warn("Connection limit reached",
				zap.String("credential_id", credential.ID),
				zap.Int("limit", credential.ConnectionLimit))
			prometheus.ConnectionLimitCounter.Inc()
		} else {
			log.Error("Failed to open connection", zap.String("credential_id", credential.ID), zap.Error(err))
		}
		return credentialError(c, err)
	}

	prometheus.ConnectionOpenedCounter.Inc()
	prometheus.OpenConnectionsGauge.Inc()

	return c.JSON(http.StatusCreated, connection)
}

// CloseConnection releases a leased connection
func CloseConnection(c echo.Context) error {
	log := logger.FromContext(c)

	credential, ok := c.Get("credential").(*model.Credential)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing credential context"})
	}

	defer prometheus.TrackDBOperation("delete")(time.Now())

	if err := reg.CloseConnection(credential.ID, c.Param("id")); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "connection not found"})
		}
		log.Error("Failed to close connection",
			zap.String("credential_id", credential.ID),
			zap.String("connection_id", c.Param("id")),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to close connection"})
	}

	prometheus.ConnectionClosedCounter.Inc()
	prometheus.OpenConnectionsGauge.Dec()

	return c.NoContent(http.StatusNoContent)
}
