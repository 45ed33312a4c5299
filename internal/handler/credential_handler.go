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

// CreateCredential issues a new API credential for the authenticated owner.
// The plaintext token appears in this response only and is never retrievable
// afterwards.
func CreateCredential(c echo.Context) error {
	log := logger.FromContext(c)

	ownerID, ok := c.Get("user_id").(uint)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner context"})
	}

	// Parse request
	var req struct {
		Name             string   `json:"name"`
		ConnectionLimit  int      `json:"connection_limit"`
		CallbackURL      string   `json:"callback_url"`
		SubscribedEvents []string `json:"subscribed_events"`
	}

	if err := c.Bind(&req); err != nil {
		log.Error("Failed to parse credential request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}
	if req.ConnectionLimit <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "connection_limit must be positive"})
	}
	for _, eventType := range req.SubscribedEvents {
		if !model.ValidEventType(eventType) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown event type: " + eventType})
		}
	}

	defer prometheus.TrackDBOperation("insert")(time.Now())

	credential, token, err := reg.Create(registry.CreateParams{
		OwnerID:          ownerID,
		Name:             req.Name,
		ConnectionLimit:  req.ConnectionLimit,
		CallbackURL:      req.CallbackURL,
		SubscribedEvents: req.SubscribedEvents,
	})
	if err != nil {
		log.Error("Failed to create credential", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to create credential"})
	}

	prometheus.CredentialCreatedCounter.Inc()
	syncActiveCredentialsGauge(c)

	// The token is shown exactly once
	return c.JSON(http.StatusCreated, echo.Map{
		"credential": credential,
		"token":      token,
	})
}

// RotateCredential regenerates the token for a credential. The old token is
// invalid immediately, with no grace period.
func RotateCredential(c echo.Context) error {
	log := logger.FromContext(c)

	credential, err := ownedCredential(c)
	if err != nil {
		return credentialError(c, err)
	}

	defer prometheus.TrackDBOperation("update")(time.Now())

	rotated, token, err := reg.Rotate(credential.ID)
	if err != nil {
		log.Error("Failed to rotate credential", zap.String("credential_id", credential.ID), zap.Error(err))
		return credentialError(c, err)
	}

	prometheus.CredentialRotatedCounter.Inc()

	return c.JSON(http.StatusOK, echo.Map{
		"credential": rotated,
		"token":      token,
	})
}

// DeleteCredential removes a credential, closing its connections and halting
// its pending deliveries
func DeleteCredential(c echo.Context) error {
	log := logger.FromContext(c)

	credential, err := ownedCredential(c)
	if err != nil {
		return credentialError(c, err)
	}

	defer prometheus.TrackDBOperation("delete")(time.Now())

	if err := reg.Delete(credential.ID); err != nil {
		log.Error("Failed to delete credential", zap.String("credential_id", credential.ID), zap.Error(err))
		return credentialError(c, err)
	}

	syncActiveCredentialsGauge(c)

	return c.NoContent(http.StatusNoContent)
}

// ListCredentials returns the owner's credentials. Tokens and hashes are
// never included; the display prefix and suffix identify each key.
func ListCredentials(c echo.Context) error {
	log := logger.FromContext(c)

	ownerID, ok := c.Get("user_id").(uint)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing owner context"})
	}

	defer prometheus.TrackDBOperation("query")(time.Now())

	credentials, err := reg.List(ownerID)
	if err != nil {
		log.Error("Failed to list credentials", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list credentials"})
	}

	return c.JSON(http.StatusOK, echo.Map{"credentials": credentials})
}

// UpdateCredentialStatus activates, deactivates or suspends a credential
func UpdateCredentialStatus(c echo.Context) error {
	log := logger.FromContext(c)

	credential, err := ownedCredential(c)
	if err != nil {
		return credentialError(c, err)
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request"})
	}

	switch req.Status {
	case model.CredentialStatusActive, model.CredentialStatusInactive, model.CredentialStatusSuspended:
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unknown status"})
	}

	if err := reg.UpdateStatus(credential.ID, req.Status); err != nil {
		log.Error("Failed to update credential status", zap.String("credential_id", credential.ID), zap.Error(err))
		return credentialError(c, err)
	}

	syncActiveCredentialsGauge(c)

	return c.JSON(http.StatusOK, echo.Map{"id": credential.ID, "status": req.Status})
}

// ListCredentialDeliveries returns the delivery status view for a credential
func ListCredentialDeliveries(c echo.Context) error {
	log := logger.FromContext(c)

	credential, err := ownedCredential(c)
	if err != nil {
		return credentialError(c, err)
	}

	defer prometheus.TrackDBOperation("query")(time.Now())

	deliveries, err := led.ListByCredential(credential.ID, 100)
	if err != nil {
		log.Error("Failed to list deliveries", zap.String("credential_id", credential.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list deliveries"})
	}

	return c.JSON(http.StatusOK, echo.Map{"deliveries": deliveries})
}

// RepairConnections recomputes the cached connection counter from the
// connection records
func RepairConnections(c echo.Context) error {
	log := logger.FromContext(c)

	credential, err := ownedCredential(c)
	if err != nil {
		return credentialError(c, err)
	}

	count, err := reg.RepairConnectionCount(credential.ID)
	if err != nil {
		log.Error("Failed to repair connection count", zap.String("credential_id", credential.ID), zap.Error(err))
		return credentialError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"id": credential.ID, "current_connections": count})
}

// CurrentCredential returns the authenticated credential on API key routes,
// without any secret material
func CurrentCredential(c echo.Context) error {
	credential, ok := c.Get("credential").(*model.Credential)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing credential context"})
	}
	return c.JSON(http.StatusOK, credential)
}

// ownedCredential loads the credential from the :id path parameter and checks
// it belongs to the authenticated owner
func ownedCredential(c echo.Context) (*model.Credential, error) {
	ownerID, ok := c.Get("user_id").(uint)
	if !ok {
		return nil, registry.ErrNotFound
	}

	credential, err := reg.Get(c.Param("id"))
	if err != nil {
		return nil, err
	}
	// Owner scoping: a foreign credential is indistinguishable from a missing one
	if credential.OwnerID != ownerID {
		return nil, registry.ErrNotFound
	}
	return credential, nil
}

// syncActiveCredentialsGauge recomputes the active credential gauge from the
// database after any change that can affect it. Deriving the value instead of
// incrementing keeps the gauge correct across status changes and restarts.
func syncActiveCredentialsGauge(c echo.Context) {
	count, err := reg.CountActive()
	if err != nil {
		logger.FromContext(c).Warn("Failed to count active credentials", zap.Error(err))
		return
	}
	prometheus.SetActiveCredentials(count)
}

// credentialError maps registry errors to HTTP responses
func credentialError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "credential not found"})
	case errors.Is(err, registry.ErrInactive):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "credential is not active"})
	case errors.Is(err, registry.ErrLimitExceeded):
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "connection limit exceeded"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
