package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TxDeposit       TransactionType = "deposit"
	TxWithdrawal    TransactionType = "withdrawal"
	TxCommission    TransactionType = "commission"
	TxDailyReturn   TransactionType = "daily_return"
	TxReferralBonus TransactionType = "referral_bonus"
)

// Credit reports whether the type adds to the user's balance.
func (t TransactionType) Credit() bool {
	return t != TxWithdrawal
}

const TxStatusCompleted = "completed"

// Transaction is an append-only ledger entry. Rows are never updated.
type Transaction struct {
	ID           string          `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string          `gorm:"type:uuid;not null;index" json:"user_id"`
	Type         TransactionType `gorm:"size:20;not null;index" json:"type"`
	Amount       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency     string          `gorm:"size:8;default:'USD'" json:"currency"`
	Description  string          `json:"description,omitempty"`
	InvestmentID *string         `gorm:"type:uuid;index" json:"investment_id,omitempty"`
	FromUserID   *string         `gorm:"type:uuid;index" json:"from_user_id,omitempty"`
	// Deterministic idempotency key; one ledger entry per key.
	ReferenceID *string   `gorm:"size:128;uniqueIndex" json:"reference_id,omitempty"`
	Status      string    `gorm:"size:20;default:'completed'" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
