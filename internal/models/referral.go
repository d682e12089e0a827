package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Referral is a materialized upline edge: one row per ancestor of ReferredID,
// Level 1 being the direct referrer.
type Referral struct {
	ID               string           `gorm:"type:uuid;primaryKey" json:"id"`
	ReferrerID       string           `gorm:"type:uuid;not null;index;uniqueIndex:idx_referral_edge" json:"referrer_id"`
	ReferredID       string           `gorm:"type:uuid;not null;index;uniqueIndex:idx_referral_edge" json:"referred_id"`
	Level            int              `gorm:"not null;default:1" json:"level"`
	CommissionRate   *decimal.Decimal `gorm:"type:numeric(10,6)" json:"commission_rate,omitempty"`
	TotalCommissions decimal.Decimal  `gorm:"type:numeric(18,2);not null;default:0" json:"total_commissions"`
	CreatedAt        time.Time        `json:"created_at"`
}

func (Referral) TableName() string {
	return "referrals"
}

func (r *Referral) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
