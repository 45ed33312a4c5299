package handler

import (
	"errors"
	"net/http"
	"time"

	"integration-service/internal/ledger"
	"integration-service/pkg/logger"
	"integration-service/prometheus"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ReplayDelivery re-enqueues a failed delivery as a new record. The terminal
// record is preserved.
func ReplayDelivery(c echo.Context) error {
	log := logger.FromContext(c)

	ownerID, ok := c.Get("user_id").(uint)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner context"})
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())

	delivery, err := led.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "delivery not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}

	// Owner scoping through the owning credential
	credential, err := reg.Get(delivery.CredentialID)
	if err != nil || credential.OwnerID != ownerID {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "delivery not found"})
	}

	replayed, err := led.Replay(delivery.ID)
	if err != nil {
		log.Warn("Failed to replay delivery", zap.String("delivery_id", delivery.ID), zap.Error(err))
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, replayed)
}
