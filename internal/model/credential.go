package model

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Credential status values
const (
	CredentialStatusActive    = "active"
	CredentialStatusInactive  = "inactive"
	CredentialStatusSuspended = "suspended"
)

// Event types external integrations can subscribe to
const (
	EventTypeMessage = "message"
	EventTypeStatus  = "status"
	EventTypeQRCode  = "qrcode"
)

// Credential represents an issued API key authorizing external integration
// access. The full token is never stored, only its one-way hash and short
// display fragments.
type Credential struct {
	ID                 string         `gorm:"primaryKey" json:"id"`
	OwnerID            uint           `gorm:"index" json:"owner_id"`
	Name               string         `json:"name"`
	SecretHash         string         `gorm:"uniqueIndex" json:"-"` // Never expose the hash in JSON responses
	DisplayPrefix      string         `json:"display_prefix"`
	DisplaySuffix      string         `json:"display_suffix"`
	ConnectionLimit    int            `gorm:"default:1" json:"connection_limit"`
	CurrentConnections int            `gorm:"default:0" json:"current_connections"`
	CallbackURL        string         `json:"callback_url,omitempty"`
	CallbackSecret     string         `json:"-"` // Only used server-side for signing
	SubscribedEvents   string         `json:"subscribed_events"` // Comma-separated list of event types
	Status             string         `gorm:"default:active;index" json:"status"`
	TotalRequests      int64          `gorm:"default:0" json:"total_requests"`
	LastUsedAt         *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook will be called before creating a new Credential record
func (cr *Credential) BeforeCreate(tx *gorm.DB) (err error) {
	if cr.ID == "" {
		cr.ID = generateSecureID("key_")
	}
	return nil
}

// IsActive checks whether the credential may authenticate or receive deliveries
func (cr *Credential) IsActive() bool {
	return cr.Status == CredentialStatusActive
}

// HasCallback checks whether outbound webhooks are configured for this credential
func (cr *Credential) HasCallback() bool {
	return cr.CallbackURL != "" && cr.CallbackSecret != ""
}

// SubscribedTo checks whether the credential subscribed to the given event type
func (cr *Credential) SubscribedTo(eventType string) bool {
	for _, e := range strings.Split(cr.SubscribedEvents, ",") {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}

// EventList returns the subscribed event types as a slice
func (cr *Credential) EventList() []string {
	if cr.SubscribedEvents == "" {
		return nil
	}
	parts := strings.Split(cr.SubscribedEvents, ",")
	events := make([]string, 0, len(parts))
	for _, e := range parts {
		if trimmed := strings.TrimSpace(e); trimmed != "" {
			events = append(events, trimmed)
		}
	}
	return events
}

// ValidEventType checks an event type tag against the known set
func ValidEventType(eventType string) bool {
	switch eventType {
	case EventTypeMessage, EventTypeStatus, EventTypeQRCode:
		return true
	}
	return false
}
