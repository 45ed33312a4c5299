package handler

import (
	"net/http"

	"integration-service/internal/model"
	"integration-service/pkg/logger"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// IngestEvent accepts a domain event from the chat backend and fans it out to
// subscribed integrations. The response only reports how many deliveries were
// enqueued; delivery itself is asynchronous and never blocks this call.
func IngestEvent(c echo.Context) error {
	log := logger.FromContext(c)

	var req struct {
		Event     string      `json:"event"`
		SourceRef string      `json:"source_ref"`
		Data      interface{} `json:"data"`
	}

	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse event", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if !model.ValidEventType(req.Event) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown event type"})
	}

	enqueued, err := events.Notify(req.Event, req.SourceRef, req.Data)
	if err != nil {
		log.Error("Failed to fan out event", zap.String("event_type", req.Event), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to enqueue deliveries"})
	}

	return c.JSON(http.StatusAccepted, echo.Map{"enqueued": enqueued})
}
