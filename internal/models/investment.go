package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvestmentStatus string

const (
	InvestmentActive    InvestmentStatus = "active"
	InvestmentCompleted InvestmentStatus = "completed"
	InvestmentCancelled InvestmentStatus = "cancelled"
)

type Investment struct {
	ID           string           `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string           `gorm:"type:uuid;not null;index" json:"user_id"`
	PackageID    string           `gorm:"type:uuid;not null;index" json:"package_id"`
	Package      *Package         `gorm:"foreignKey:PackageID" json:"investment_packages,omitempty"`
	Amount       decimal.Decimal  `gorm:"type:numeric(18,2);not null" json:"amount"`
	DailyReturn  decimal.Decimal  `gorm:"type:numeric(18,2);not null;default:0" json:"daily_return"`
	StartDate    time.Time        `gorm:"not null" json:"start_date"`
	EndDate      time.Time        `gorm:"not null" json:"end_date"`
	Status       InvestmentStatus `gorm:"size:20;not null;default:'active';index" json:"status"`
	TotalReturns decimal.Decimal  `gorm:"type:numeric(18,2);not null;default:0" json:"total_returns"`
	// Last period (calendar date in the engine timezone) a daily return was credited for.
	LastReturnDate *time.Time `gorm:"type:date" json:"last_return_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (Investment) TableName() string {
	return "user_investments"
}

func (i *Investment) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// Validate rejects rows that must not reach the return arithmetic.
func (i Investment) Validate() error {
	switch {
	case i.ID == "" || i.UserID == "":
		return fmt.Errorf("%w: investment %q has no id or owner", ErrInvalidRow, i.ID)
	case i.EndDate.IsZero():
		return fmt.Errorf("%w: investment %s has no end date", ErrInvalidRow, i.ID)
	case i.Amount.IsNegative() || i.DailyReturn.IsNegative() || i.TotalReturns.IsNegative():
		return fmt.Errorf("%w: investment %s has negative amounts", ErrInvalidRow, i.ID)
	}
	switch i.Status {
	case InvestmentActive, InvestmentCompleted, InvestmentCancelled:
	default:
		return fmt.Errorf("%w: investment %s has unknown status %q", ErrInvalidRow, i.ID, i.Status)
	}
	return nil
}

// Matured reports whether the investment's duration has elapsed at now.
func (i Investment) Matured(now time.Time) bool {
	return now.After(i.EndDate)
}

// CreditedFor reports whether a return was already credited for the period.
func (i Investment) CreditedFor(period time.Time) bool {
	if i.LastReturnDate == nil {
		return false
	}
	return !i.LastReturnDate.Before(period)
}

// ShortID is the prefix used in ledger descriptions.
func (i Investment) ShortID() string {
	if len(i.ID) > 8 {
		return i.ID[:8]
	}
	return i.ID
}
