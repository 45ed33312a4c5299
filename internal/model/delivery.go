package model

import (
	"time"

	"gorm.io/gorm"
)

// Delivery status values. Success and failed are terminal.
const (
	DeliveryStatusPending  = "pending"
	DeliveryStatusRetrying = "retrying"
	DeliveryStatusSuccess  = "success"
	DeliveryStatusFailed   = "failed"
)

// Delivery represents one tracked attempt-lineage to notify an external
// receiver of a single domain event via an HTTP callback.
type Delivery struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	CredentialID   string     `gorm:"index" json:"credential_id"`
	EventType      string     `json:"event_type"`
	Payload        string     `json:"payload"` // JSON-encoded event payload
	Status         string     `gorm:"default:pending;index" json:"status"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	NextRetryAt    *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
	ResponseStatus int        `json:"response_status,omitempty"`
	ResponseBody   string     `json:"response_body,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// BeforeCreate hook will be called before creating a new Delivery record
func (d *Delivery) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == "" {
		d.ID = generateSecureID("dlv_")
	}
	return nil
}

// IsTerminal checks whether the delivery reached a final state
func (d *Delivery) IsTerminal() bool {
	return d.Status == DeliveryStatusSuccess || d.Status == DeliveryStatusFailed
}
