// Package ledger is the engine's view of the relational ledger store.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"mlm-engine/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyCredited is returned when an investment is no longer active or
	// already carries a return for the period.
	ErrAlreadyCredited = errors.New("investment already credited for period")
)

// TransactionFilter narrows SumTransactions. Empty fields match everything.
type TransactionFilter struct {
	UserID       string
	Type         models.TransactionType
	InvestmentID string
	FromUserID   string
}

// Store is the query interface both jobs consume. Implementations must make
// CreditInvestment and AddReferralCommission atomic read-modify-writes.
type Store interface {
	ActiveInvestments(ctx context.Context) ([]models.Investment, error)
	ListInvestments(ctx context.Context) ([]models.Investment, error)
	CompleteInvestment(ctx context.Context, id string) error
	CreditInvestment(ctx context.Context, id string, amount decimal.Decimal, period time.Time) error

	// ReferralChain returns the upline edges of referredID ordered by level.
	ReferralChain(ctx context.Context, referredID string) ([]models.Referral, error)
	ListReferrals(ctx context.Context) ([]models.Referral, error)
	// CountReferrals counts edges below referrerID; level 0 counts every level.
	CountReferrals(ctx context.Context, referrerID string, level int) (int64, error)
	AddReferralCommission(ctx context.Context, referralID string, amount decimal.Decimal) error

	ListProfiles(ctx context.Context) ([]models.Profile, error)
	SumInvestments(ctx context.Context, userID string) (decimal.Decimal, error)
	// GetUserLevel returns ErrNotFound when the user has no level row yet.
	GetUserLevel(ctx context.Context, userID string) (*models.UserLevel, error)
	UpsertUserLevel(ctx context.Context, level *models.UserLevel) error

	TransactionExists(ctx context.Context, referenceID string) (bool, error)
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	SumTransactions(ctx context.Context, filter TransactionFilter) (decimal.Decimal, error)

	CreateNotification(ctx context.Context, n *models.Notification) error

	// WithinTx runs fn as one atomic unit. fn must only use the Store it is given.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// Balance derives a user's balance from the ledger; it is never stored.
func Balance(ctx context.Context, s Store, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, typ := range []models.TransactionType{
		models.TxDeposit, models.TxCommission, models.TxDailyReturn, models.TxReferralBonus, models.TxWithdrawal,
	} {
		sum, err := s.SumTransactions(ctx, TransactionFilter{UserID: userID, Type: typ})
		if err != nil {
			return decimal.Zero, err
		}
		if typ.Credit() {
			total = total.Add(sum)
		} else {
			total = total.Sub(sum.Abs())
		}
	}
	return total, nil
}
