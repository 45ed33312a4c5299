package ledger

import (
	"errors"
	"fmt"
	"time"

	"integration-service/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BackoffSchedule is the fixed sequence of wait intervals between retry
// attempts: 1m, 5m, 15m, 1h, 4h. Deliveries failing beyond the schedule reuse
// the last interval until maxAttempts is reached.
var BackoffSchedule = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	14400 * time.Second,
}

var (
	ErrNotFound = errors.New("delivery not found")
	ErrTerminal = errors.New("delivery is in a terminal state")
)

// Ledger is the durable record of webhook delivery attempts
type Ledger struct {
	db          *gorm.DB
	log         *zap.Logger
	maxAttempts int
	bodyLimit   int

	// now is swappable for tests
	now func() time.Time
}

// New creates a delivery ledger. maxAttempts bounds the retry state machine,
// bodyLimit caps stored response bodies and error messages.
func New(db *gorm.DB, log *zap.Logger, maxAttempts, bodyLimit int) *Ledger {
	return &Ledger{
		db:          db,
		log:         log,
		maxAttempts: maxAttempts,
		bodyLimit:   bodyLimit,
		now:         time.Now,
	}
}

// MaxAttempts returns the configured attempt bound
func (l *Ledger) MaxAttempts() int {
	return l.maxAttempts
}

// Enqueue records a new pending delivery for a credential
func (l *Ledger) Enqueue(credentialID, eventType, payload string) (*model.Delivery, error) {
	delivery := model.Delivery{
		CredentialID: credentialID,
		EventType:    eventType,
		Payload:      payload,
		Status:       model.DeliveryStatusPending,
	}

	if err := l.db.Create(&delivery).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}

	return &delivery, nil
}

// Get loads a delivery by id
func (l *Ledger) Get(id string) (*model.Delivery, error) {
	var delivery model.Delivery
	if err := l.db.First(&delivery, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &delivery, nil
}

// DueForProcessing returns deliveries ready for a dispatch attempt, oldest
// first. Deliveries whose credential is no longer active are not selected;
// an attempt already in flight for a credential suspended mid-run still
// completes and is recorded.
func (l *Ledger) DueForProcessing(limit int) ([]model.Delivery, error) {
	activeCredentials := l.db.Model(&model.Credential{}).
		Select("id").Where("status = ?", model.CredentialStatusActive)

	var deliveries []model.Delivery
	err := l.db.
		Where("status IN ?", []string{model.DeliveryStatusPending, model.DeliveryStatusRetrying}).
		Where("attempts < ?", l.maxAttempts).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", l.now()).
		Where("credential_id IN (?)", activeCredentials).
		Order("created_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// RecordSuccess marks a delivery attempt as accepted by the receiver. A
// successful delivery is immutable afterwards.
func (l *Ledger) RecordSuccess(id string, responseStatus int, responseBody string) error {
	delivery, err := l.Get(id)
	if err != nil {
		return err
	}
	if delivery.IsTerminal() {
		return ErrTerminal
	}

	now := l.now()
	return l.db.Model(delivery).Updates(map[string]interface{}{
		"status":          model.DeliveryStatusSuccess,
		"attempts":        delivery.Attempts + 1,
		"next_retry_at":   nil,
		"response_status": responseStatus,
		"response_body":   l.truncate(responseBody),
		"error_message":   "",
		"delivered_at":    now,
	}).Error
}

// RecordFailure records a failed attempt. The delivery is scheduled for a
// retry per the backoff schedule until maxAttempts is reached, at which point
// it becomes permanently failed. responseStatus is zero when no HTTP response
// was received.
func (l *Ledger) RecordFailure(id string, responseStatus int, errOrBody string) error {
	delivery, err := l.Get(id)
	if err != nil {
		return err
	}
	if delivery.IsTerminal() {
		return ErrTerminal
	}

	attempts := delivery.Attempts + 1
	updates := map[string]interface{}{
		"attempts":        attempts,
		"response_status": responseStatus,
		"error_message":   l.truncate(errOrBody),
	}

	if attempts >= l.maxAttempts {
		updates["status"] = model.DeliveryStatusFailed
		updates["next_retry_at"] = nil
		l.log.Warn("Delivery exhausted its attempts",
			zap.String("delivery_id", delivery.ID),
			zap.String("credential_id", delivery.CredentialID),
			zap.Int("attempts", attempts))
	} else {
		backoff := BackoffSchedule[min(attempts-1, len(BackoffSchedule)-1)]
		nextRetry := l.now().Add(backoff)
		updates["status"] = model.DeliveryStatusRetrying
		updates["next_retry_at"] = nextRetry
	}

	return l.db.Model(delivery).Updates(updates).Error
}

// FailTerminal records a failure that retrying cannot help (for example a
// missing callback configuration). It consumes an attempt and moves the
// delivery straight to failed.
func (l *Ledger) FailTerminal(id, reason string) error {
	delivery, err := l.Get(id)
	if err != nil {
		return err
	}
	if delivery.IsTerminal() {
		return ErrTerminal
	}

	return l.db.Model(delivery).Updates(map[string]interface{}{
		"status":        model.DeliveryStatusFailed,
		"attempts":      delivery.Attempts + 1,
		"next_retry_at": nil,
		"error_message": l.truncate(reason),
	}).Error
}

// Replay re-enqueues a failed delivery as a fresh record. The terminal record
// stays untouched so the attempt history remains intact.
func (l *Ledger) Replay(id string) (*model.Delivery, error) {
	delivery, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	if delivery.Status != model.DeliveryStatusFailed {
		return nil, fmt.Errorf("only failed deliveries can be replayed (status %q)", delivery.Status)
	}

	replayed, err := l.Enqueue(delivery.CredentialID, delivery.EventType, delivery.Payload)
	if err != nil {
		return nil, err
	}

	l.log.Info("Delivery replayed",
		zap.String("delivery_id", id),
		zap.String("replay_id", replayed.ID))

	return replayed, nil
}

// ListByCredential returns the most recent deliveries for a credential
func (l *Ledger) ListByCredential(credentialID string, limit int) ([]model.Delivery, error) {
	var deliveries []model.Delivery
	err := l.db.Where("credential_id = ?", credentialID).
		Order("created_at DESC").
		Limit(limit).
		Find(&deliveries).Error
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (l *Ledger) truncate(s string) string {
	if l.bodyLimit > 0 && len(s) > l.bodyLimit {
		return s[:l.bodyLimit]
	}
	return s
}
