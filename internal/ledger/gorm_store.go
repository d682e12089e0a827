package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mlm-engine/internal/models"
)

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveInvestments(ctx context.Context) ([]models.Investment, error) {
	var investments []models.Investment
	err := s.db.WithContext(ctx).
		Preload("Package").
		Where("status = ?", models.InvestmentActive).
		Order("created_at ASC").
		Find(&investments).Error
	if err != nil {
		return nil, fmt.Errorf("query active investments: %w", err)
	}
	return investments, nil
}

func (s *GormStore) ListInvestments(ctx context.Context) ([]models.Investment, error) {
	var investments []models.Investment
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&investments).Error; err != nil {
		return nil, fmt.Errorf("query investments: %w", err)
	}
	return investments, nil
}

func (s *GormStore) CompleteInvestment(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("id = ? AND status = ?", id, models.InvestmentActive).
		Update("status", models.InvestmentCompleted)
	if res.Error != nil {
		return fmt.Errorf("complete investment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete investment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) CreditInvestment(ctx context.Context, id string, amount decimal.Decimal, period time.Time) error {
	day := period.Format(time.DateOnly)
	res := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("id = ? AND status = ?", id, models.InvestmentActive).
		Where("last_return_date IS NULL OR last_return_date < ?", day).
		Updates(map[string]interface{}{
			"total_returns":    gorm.Expr("total_returns + ?", amount),
			"last_return_date": day,
		})
	if res.Error != nil {
		return fmt.Errorf("credit investment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("credit investment %s for %s: %w", id, day, ErrAlreadyCredited)
	}
	return nil
}

func (s *GormStore) ReferralChain(ctx context.Context, referredID string) ([]models.Referral, error) {
	var edges []models.Referral
	err := s.db.WithContext(ctx).
		Where("referred_id = ?", referredID).
		Order("level ASC").
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("query referral chain of %s: %w", referredID, err)
	}
	return edges, nil
}

func (s *GormStore) ListReferrals(ctx context.Context) ([]models.Referral, error) {
	var edges []models.Referral
	if err := s.db.WithContext(ctx).Order("referred_id, level").Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("query referrals: %w", err)
	}
	return edges, nil
}

func (s *GormStore) CountReferrals(ctx context.Context, referrerID string, level int) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Referral{}).Where("referrer_id = ?", referrerID)
	if level > 0 {
		q = q.Where("level = ?", level)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count referrals of %s: %w", referrerID, err)
	}
	return n, nil
}

func (s *GormStore) AddReferralCommission(ctx context.Context, referralID string, amount decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ?", referralID).
		Update("total_commissions", gorm.Expr("total_commissions + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("update referral %s: %w", referralID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update referral %s: %w", referralID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	var profiles []models.Profile
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	return profiles, nil
}

func (s *GormStore) SumInvestments(ctx context.Context, userID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Row().Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum investments of %s: %w", userID, err)
	}
	return total, nil
}

func (s *GormStore) GetUserLevel(ctx context.Context, userID string) (*models.UserLevel, error) {
	var level models.UserLevel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&level).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query level of %s: %w", userID, err)
	}
	return &level, nil
}

func (s *GormStore) UpsertUserLevel(ctx context.Context, level *models.UserLevel) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"level_name", "direct_referrals", "team_size", "total_investment", "achieved_at", "updated_at",
		}),
	}).Create(level).Error
	if err != nil {
		return fmt.Errorf("upsert level of %s: %w", level.UserID, err)
	}
	return nil
}

func (s *GormStore) TransactionExists(ctx context.Context, referenceID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("reference_id = ?", referenceID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("lookup transaction %s: %w", referenceID, err)
	}
	return n > 0, nil
}

func (s *GormStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("insert %s transaction for %s: %w", tx.Type, tx.UserID, err)
	}
	return nil
}

func (s *GormStore) SumTransactions(ctx context.Context, filter TransactionFilter) (decimal.Decimal, error) {
	q := s.db.WithContext(ctx).Model(&models.Transaction{})
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.InvestmentID != "" {
		q = q.Where("investment_id = ?", filter.InvestmentID)
	}
	if filter.FromUserID != "" {
		q = q.Where("from_user_id = ?", filter.FromUserID)
	}
	var total decimal.Decimal
	if err := q.Select("COALESCE(SUM(amount), 0)").Row().Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions: %w", err)
	}
	return total, nil
}

func (s *GormStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("insert notification for %s: %w", n.UserID, err)
	}
	return nil
}

func (s *GormStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}
