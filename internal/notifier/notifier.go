package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"integration-service/internal/ledger"
	"integration-service/internal/model"
	"integration-service/prometheus"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Payload is the normalized body sent to webhook receivers
type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	OwnerID   uint        `json:"owner_id"`
	SourceRef string      `json:"source_ref"`
	Data      interface{} `json:"data"`
}

// Notifier fans a domain event out to every credential subscribed to it
type Notifier struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	log    *zap.Logger
}

// New creates an event notifier
func New(db *gorm.DB, l *ledger.Ledger, log *zap.Logger) *Notifier {
	return &Notifier{db: db, ledger: l, log: log}
}

// Notify enqueues one delivery per active credential that has a callback
// configured and subscribed to the event type. It never blocks on delivery;
// the dispatcher picks the queued deliveries up on its next run. Returns the
// number of deliveries enqueued.
func (n *Notifier) Notify(eventType, sourceRef string, data interface{}) (int, error) {
	var credentials []model.Credential
	err := n.db.
		Where("status = ?", model.CredentialStatusActive).
		Where("callback_url <> ''").
		Find(&credentials).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load credentials for event fan-out: %w", err)
	}

	enqueued := 0
	for _, credential := range credentials {
		// Subscription filtering happens here rather than in SQL so the
		// comma-joined event list stays an implementation detail of the model
		if !credential.SubscribedTo(eventType) || !credential.HasCallback() {
			continue
		}

		payload := Payload{
			Event:     eventType,
			Timestamp: time.Now().UTC(),
			OwnerID:   credential.OwnerID,
			SourceRef: sourceRef,
			Data:      data,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			n.log.Error("Failed to serialize event payload",
				zap.String("event_type", eventType), zap.Error(err))
			continue
		}

		if _, err := n.ledger.Enqueue(credential.ID, eventType, string(body)); err != nil {
			n.log.Error("Failed to enqueue delivery",
				zap.String("credential_id", credential.ID),
				zap.String("event_type", eventType),
				zap.Error(err))
			continue
		}

		prometheus.RecordDeliveryEnqueued(eventType)
		enqueued++
	}

	n.log.Info("Event fanned out",
		zap.String("event_type", eventType),
		zap.String("source_ref", sourceRef),
		zap.Int("deliveries", enqueued))

	return enqueued, nil
}
