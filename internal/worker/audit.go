package worker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mlm-engine/internal/ledger"
	"mlm-engine/internal/models"
)

const AuditJob = "audit-ledger"

const (
	DriftInvestmentReturns = "investment_total_returns"
	DriftReferralTotal     = "referral_total_commissions"
)

// Drift is a running total that disagrees with the ledger entries behind it.
type Drift struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	Recorded decimal.Decimal `json:"recorded"`
	Ledger   decimal.Decimal `json:"ledger"`
}

type AuditSummary struct {
	Success     bool    `json:"success"`
	Consistent  bool    `json:"consistent"`
	Investments int     `json:"investments_checked"`
	Referrals   int     `json:"referrals_checked"`
	Drift       []Drift `json:"drift"`
	Error       string  `json:"error,omitempty"`
}

func (s *AuditSummary) Succeeded() bool { return s.Success }
func (s *AuditSummary) Failure() string { return s.Error }

func (s *AuditSummary) Brief() string {
	if !s.Success {
		return "audit aborted"
	}
	return fmt.Sprintf("%d investments, %d referral edges checked, %d drifted",
		s.Investments, s.Referrals, len(s.Drift))
}

// Auditor is read-only. It checks that investment total_returns and referral
// total_commissions match the sum of the ledger entries they summarize.
type Auditor struct {
	Store ledger.Store
	Log   *zap.Logger
}

func NewAuditor(store ledger.Store, log *zap.Logger) *Auditor {
	return &Auditor{Store: store, Log: log.Named("audit")}
}

func (a *Auditor) Name() string { return AuditJob }

func (a *Auditor) Run(ctx context.Context) Result {
	summary := &AuditSummary{Success: true, Drift: []Drift{}}
	if err := a.audit(ctx, summary); err != nil {
		a.Log.Error("Audit aborted", zap.Error(err))
		summary.Success = false
		summary.Error = err.Error()
		return summary
	}
	summary.Consistent = len(summary.Drift) == 0

	for _, d := range summary.Drift {
		a.Log.Warn("Running total drifted from ledger",
			zap.String("kind", d.Kind), zap.String("id", d.ID),
			zap.String("recorded", d.Recorded.String()), zap.String("ledger", d.Ledger.String()))
	}
	a.Log.Info("Ledger audit finished",
		zap.Int("investments", summary.Investments),
		zap.Int("referrals", summary.Referrals),
		zap.Int("drift", len(summary.Drift)))
	return summary
}

func (a *Auditor) audit(ctx context.Context, summary *AuditSummary) error {
	investments, err := a.Store.ListInvestments(ctx)
	if err != nil {
		return fmt.Errorf("list investments: %w", err)
	}
	for _, inv := range investments {
		sum, err := a.Store.SumTransactions(ctx, ledger.TransactionFilter{
			InvestmentID: inv.ID,
			Type:         models.TxDailyReturn,
		})
		if err != nil {
			return fmt.Errorf("sum returns of %s: %w", inv.ID, err)
		}
		if !sum.Equal(inv.TotalReturns) {
			summary.Drift = append(summary.Drift, Drift{
				Kind: DriftInvestmentReturns, ID: inv.ID, Recorded: inv.TotalReturns, Ledger: sum,
			})
		}
		summary.Investments++
	}

	referrals, err := a.Store.ListReferrals(ctx)
	if err != nil {
		return fmt.Errorf("list referrals: %w", err)
	}
	for _, edge := range referrals {
		sum, err := a.Store.SumTransactions(ctx, ledger.TransactionFilter{
			UserID:     edge.ReferrerID,
			FromUserID: edge.ReferredID,
			Type:       models.TxCommission,
		})
		if err != nil {
			return fmt.Errorf("sum commissions of edge %s: %w", edge.ID, err)
		}
		if !sum.Equal(edge.TotalCommissions) {
			summary.Drift = append(summary.Drift, Drift{
				Kind: DriftReferralTotal, ID: edge.ID, Recorded: edge.TotalCommissions, Ledger: sum,
			})
		}
		summary.Referrals++
	}
	return nil
}
