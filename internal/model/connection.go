package model

import (
	"time"

	"gorm.io/gorm"
)

// Connection represents a resource leased under a Credential. Its existence
// is the unit the connection-limit invariant counts.
type Connection struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	CredentialID string    `gorm:"index" json:"credential_id"`
	Metadata     string    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BeforeCreate hook will be called before creating a new Connection record
func (cn *Connection) BeforeCreate(tx *gorm.DB) (err error) {
	if cn.ID == "" {
		cn.ID = generateSecureID("conn_")
	}
	return nil
}
