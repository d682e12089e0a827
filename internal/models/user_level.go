package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UserLevel is the last computed tier snapshot for a user.
type UserLevel struct {
	ID              string          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string          `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	LevelName       string          `gorm:"size:50;not null" json:"level_name"`
	DirectReferrals int64           `gorm:"default:0" json:"direct_referrals"`
	TeamSize        int64           `gorm:"default:0" json:"team_size"`
	TotalInvestment decimal.Decimal `gorm:"type:numeric(18,2);default:0" json:"total_investment"`
	AchievedAt      time.Time       `json:"achieved_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (UserLevel) TableName() string {
	return "user_levels"
}

func (l *UserLevel) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
