package models

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Package is an investment product definition. The engine only reads it.
type Package struct {
	ID                string          `gorm:"type:uuid;primaryKey" json:"id"`
	Name              string          `gorm:"size:255;not null" json:"name"`
	Description       *string         `json:"description,omitempty"`
	Price             decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"price"`
	DailyReturnRate   decimal.Decimal `gorm:"type:numeric(10,6);not null" json:"daily_return_rate"`
	DurationDays      int             `gorm:"not null" json:"duration_days"`
	ReferralBonusRate decimal.Decimal `gorm:"type:numeric(10,6);not null;default:0" json:"referral_bonus_rate"`
	// Index 0 is the direct referrer's rate.
	LevelCommissions pq.StringArray `gorm:"type:numeric[];not null;default:'{}'" json:"level_commissions"`
	IsActive         bool           `gorm:"default:true" json:"is_active"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Package) TableName() string {
	return "investment_packages"
}

// CommissionRates parses the per-level rate table. A malformed or negative entry
// invalidates the whole table.
func (p Package) CommissionRates() ([]decimal.Decimal, error) {
	rates := make([]decimal.Decimal, 0, len(p.LevelCommissions))
	for i, raw := range p.LevelCommissions {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: package %s level %d: %q", ErrInvalidRateTable, p.ID, i+1, raw)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("%w: package %s level %d is negative (%s)", ErrInvalidRateTable, p.ID, i+1, rate)
		}
		rates = append(rates, rate)
	}
	return rates, nil
}
