package models

import (
	"time"
)

// Profile is the subset of the user profile the engine reads.
type Profile struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	Email        string    `gorm:"size:255;not null" json:"email"`
	FirstName    string    `gorm:"size:255" json:"first_name"`
	LastName     string    `gorm:"size:255" json:"last_name"`
	ReferralCode string    `gorm:"size:32;uniqueIndex" json:"referral_code"`
	ReferredBy   *string   `gorm:"type:uuid;index" json:"referred_by,omitempty"`
	IsActive     bool      `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Profile) TableName() string {
	return "profiles"
}
