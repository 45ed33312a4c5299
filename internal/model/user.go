package model

import (
	"time"

	"gorm.io/gorm"
)

// User represents an admin account that manages credentials for its tenant
type User struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Email     string         `json:"email" gorm:"type:varchar(100);uniqueIndex"`
	Password  string         `json:"-" gorm:"type:varchar(255)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
