package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mlm-engine/internal/commission"
	"mlm-engine/internal/ledger"
	"mlm-engine/internal/metrics"
	"mlm-engine/internal/models"
	"mlm-engine/internal/notify"
)

const DailyReturnsJob = "process-daily-returns"

type Action string

const (
	ActionMatured         Action = "matured"
	ActionReturnProcessed Action = "return_processed"
	ActionSkipped         Action = "skipped"
)

type CommissionResult struct {
	PayeeID string          `json:"payee_id"`
	Level   int             `json:"level"`
	Amount  decimal.Decimal `json:"amount"`
}

// ReturnResult is the outcome of one investment that matured or was credited.
type ReturnResult struct {
	InvestmentID    string             `json:"investment_id"`
	UserID          string             `json:"user_id"`
	Action          Action             `json:"action"`
	Amount          *decimal.Decimal   `json:"amount,omitempty"`
	TotalReturns    *decimal.Decimal   `json:"total_returns,omitempty"`
	Commissions     []CommissionResult `json:"commissions,omitempty"`
	CommissionError string             `json:"commission_error,omitempty"`
}

type ReturnsSummary struct {
	Success   bool           `json:"success"`
	Period    string         `json:"period,omitempty"`
	Processed int            `json:"processed"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Repaired  int            `json:"repaired_commissions,omitempty"`
	Results   []ReturnResult `json:"results"`
	Failures  []ItemFailure  `json:"failures,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (s *ReturnsSummary) Succeeded() bool { return s.Success }
func (s *ReturnsSummary) Failure() string { return s.Error }

func (s *ReturnsSummary) Brief() string {
	if !s.Success {
		return fmt.Sprintf("period %s: aborted after %d processed", s.Period, s.Processed)
	}
	return fmt.Sprintf("period %s: %d processed, %d skipped, %d failed", s.Period, s.Processed, s.Skipped, s.Failed)
}

// DailyReturns credits one period's return to every active investment,
// retires matured ones and pays the upline commissions of each credit.
//
// Every write is keyed by a deterministic reference id and guarded by the
// investment's last credited period, so rerunning a period is a no-op and a
// partially failed run is completed by the next one.
type DailyReturns struct {
	Store    ledger.Store
	Sink     notify.Sink
	Log      *zap.Logger
	Location *time.Location
	Workers  int
	Currency string
	Now      func() time.Time
}

func NewDailyReturns(store ledger.Store, sink notify.Sink, log *zap.Logger, loc *time.Location, workers int) *DailyReturns {
	if workers < 1 {
		workers = 1
	}
	return &DailyReturns{
		Store:    store,
		Sink:     sink,
		Log:      log.Named("returns"),
		Location: loc,
		Workers:  workers,
		Currency: "USD",
		Now:      time.Now,
	}
}

func (j *DailyReturns) Name() string { return DailyReturnsJob }

// itemOutcome is filled by exactly one worker goroutine.
type itemOutcome struct {
	result   *ReturnResult
	repaired int
	err      error
}

func (j *DailyReturns) Run(ctx context.Context) Result {
	now := j.Now()
	period := PeriodOf(now, j.Location)
	summary := &ReturnsSummary{
		Success: true,
		Period:  period.Format(time.DateOnly),
		Results: []ReturnResult{},
	}

	investments, err := j.Store.ActiveInvestments(ctx)
	if err != nil {
		j.Log.Error("Failed to load active investments", zap.Error(err))
		summary.Success = false
		summary.Error = err.Error()
		return summary
	}
	j.Log.Info("Processing daily returns",
		zap.String("period", summary.Period), zap.Int("investments", len(investments)))

	outcomes := make([]itemOutcome, len(investments))
	var g errgroup.Group
	g.SetLimit(j.Workers)
	for i := range investments {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, repaired, err := j.processInvestment(ctx, investments[i], now, period)
			outcomes[i] = itemOutcome{result: res, repaired: repaired, err: err}
			return nil
		})
	}
	waitErr := g.Wait()
	if waitErr == nil {
		waitErr = ctx.Err()
	}

	var itemErrs error
	for i, out := range outcomes {
		summary.Repaired += out.repaired
		switch {
		case out.err != nil:
			summary.Failures = append(summary.Failures, ItemFailure{ID: investments[i].ID, Error: out.err.Error()})
			itemErrs = multierr.Append(itemErrs, fmt.Errorf("investment %s: %w", investments[i].ID, out.err))
			metrics.RecordItem(DailyReturnsJob, "failed")
		case out.result == nil:
			// not reached because the run was cancelled
		case out.result.Action == ActionSkipped:
			summary.Skipped++
			metrics.RecordItem(DailyReturnsJob, string(ActionSkipped))
		default:
			summary.Results = append(summary.Results, *out.result)
			metrics.RecordItem(DailyReturnsJob, string(out.result.Action))
		}
	}
	summary.Processed = len(summary.Results)
	summary.Failed = len(summary.Failures)

	if itemErrs != nil {
		j.Log.Warn("Some investments failed", zap.Int("failed", summary.Failed), zap.Error(itemErrs))
	}
	if waitErr != nil {
		summary.Success = false
		summary.Error = waitErr.Error()
		j.Log.Error("Daily return run aborted", zap.Error(waitErr))
		return summary
	}

	j.Log.Info("Daily returns processed",
		zap.String("period", summary.Period),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary
}

func (j *DailyReturns) processInvestment(ctx context.Context, inv models.Investment, now, period time.Time) (*ReturnResult, int, error) {
	if err := inv.Validate(); err != nil {
		return nil, 0, err
	}
	if inv.Status != models.InvestmentActive {
		return skipped(inv), 0, nil
	}

	amount := commission.Round(inv.DailyReturn)

	// Finish the last credited period before moving on: its return is in, but a
	// failed run may have left commission levels unpaid.
	repaired, err := j.repairLastPeriod(ctx, inv, amount)
	if err != nil {
		return nil, 0, err
	}

	if inv.Matured(now) {
		if err := j.Store.CompleteInvestment(ctx, inv.ID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				// completed by someone else since we read it
				return skipped(inv), repaired, nil
			}
			return nil, repaired, fmt.Errorf("complete investment: %w", err)
		}
		total := inv.TotalReturns
		j.Sink.Notify(ctx, notify.Message{
			UserID:  inv.UserID,
			Title:   "Investment Completed",
			Message: fmt.Sprintf("Your investment has completed and earned a total of $%s", total.StringFixed(commission.MinorUnits)),
			Type:    notify.TypeSuccess,
		})
		return &ReturnResult{
			InvestmentID: inv.ID,
			UserID:       inv.UserID,
			Action:       ActionMatured,
			TotalReturns: &total,
		}, repaired, nil
	}

	if !amount.IsPositive() || inv.CreditedFor(period) {
		return skipped(inv), repaired, nil
	}

	ref := dailyReturnRef(inv.ID, period)
	err = j.Store.WithinTx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateTransaction(ctx, &models.Transaction{
			UserID:       inv.UserID,
			Type:         models.TxDailyReturn,
			Amount:       amount,
			Currency:     j.Currency,
			Description:  fmt.Sprintf("Daily return from investment #%s", inv.ShortID()),
			InvestmentID: &inv.ID,
			ReferenceID:  &ref,
			Status:       models.TxStatusCompleted,
		}); err != nil {
			return fmt.Errorf("insert daily return: %w", err)
		}
		return tx.CreditInvestment(ctx, inv.ID, amount, period)
	})
	if errors.Is(err, ledger.ErrAlreadyCredited) {
		return skipped(inv), repaired, nil
	}
	if err != nil {
		return nil, repaired, err
	}
	metrics.RecordDailyReturn(amount)
	j.Sink.Notify(ctx, notify.Message{
		UserID:  inv.UserID,
		Title:   "Daily Return Credited",
		Message: fmt.Sprintf("You received $%s from investment #%s", amount.StringFixed(commission.MinorUnits), inv.ShortID()),
		Type:    notify.TypeSuccess,
	})

	res := &ReturnResult{
		InvestmentID: inv.ID,
		UserID:       inv.UserID,
		Action:       ActionReturnProcessed,
		Amount:       &amount,
	}
	paid, err := j.payCommissions(ctx, inv, amount, period)
	res.Commissions = paid
	switch {
	case err == nil:
	case isConfigError(err):
		j.Log.Warn("Commissions skipped", zap.String("investment_id", inv.ID), zap.Error(err))
		res.CommissionError = err.Error()
	default:
		return nil, repaired, fmt.Errorf("daily return %s posted, commissions incomplete: %w", ref, err)
	}
	return res, repaired, nil
}

// repairLastPeriod posts the commission levels of the last credited period
// that are missing from the ledger and returns how many it posted.
func (j *DailyReturns) repairLastPeriod(ctx context.Context, inv models.Investment, amount decimal.Decimal) (int, error) {
	if inv.LastReturnDate == nil || !amount.IsPositive() {
		return 0, nil
	}
	last := *inv.LastReturnDate
	last = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)

	repaired, err := j.payCommissions(ctx, inv, amount, last)
	if len(repaired) > 0 {
		j.Log.Info("Repaired missing commissions",
			zap.String("investment_id", inv.ID),
			zap.String("period", last.Format(time.DateOnly)),
			zap.Int("entries", len(repaired)))
	}
	if err != nil && !isConfigError(err) {
		return len(repaired), fmt.Errorf("repair commissions for %s: %w", last.Format(time.DateOnly), err)
	}
	return len(repaired), nil
}

// payCommissions posts every commission level of one credited return that is
// not in the ledger yet. Each level is its own atomic unit.
func (j *DailyReturns) payCommissions(ctx context.Context, inv models.Investment, base decimal.Decimal, period time.Time) ([]CommissionResult, error) {
	if inv.Package == nil {
		return nil, errPackageMissing
	}
	rates, err := inv.Package.CommissionRates()
	if err != nil {
		return nil, err
	}
	if len(rates) == 0 {
		return nil, nil
	}

	edges, err := j.Store.ReferralChain(ctx, inv.UserID)
	if err != nil {
		return nil, fmt.Errorf("load referral chain: %w", err)
	}
	chain, byLevel, complete := commission.ChainFromEdges(edges)
	if !complete {
		j.Log.Warn("Referral chain has a level gap, paying contiguous levels only",
			zap.String("user_id", inv.UserID), zap.Int("levels", len(chain)), zap.Int("edges", len(edges)))
	}
	entries, err := commission.Compute(base, chain, rates)
	if err != nil {
		return nil, err
	}

	var paid []CommissionResult
	for _, e := range entries {
		edge := byLevel[e.Level]
		ref := commissionRef(inv.ID, period, e.Level)
		posted := false
		err := j.Store.WithinTx(ctx, func(tx ledger.Store) error {
			exists, err := tx.TransactionExists(ctx, ref)
			if err != nil || exists {
				return err
			}
			if err := tx.CreateTransaction(ctx, &models.Transaction{
				UserID:       e.PayeeID,
				Type:         models.TxCommission,
				Amount:       e.Amount,
				Currency:     j.Currency,
				Description:  fmt.Sprintf("Level %d commission from referral", e.Level),
				InvestmentID: &inv.ID,
				FromUserID:   &inv.UserID,
				ReferenceID:  &ref,
				Status:       models.TxStatusCompleted,
			}); err != nil {
				return fmt.Errorf("insert commission: %w", err)
			}
			if err := tx.AddReferralCommission(ctx, edge.ID, e.Amount); err != nil {
				return err
			}
			posted = true
			return nil
		})
		if err != nil {
			return paid, fmt.Errorf("level %d commission to %s: %w", e.Level, e.PayeeID, err)
		}
		if !posted {
			continue
		}

		metrics.RecordCommission(e.Amount)
		j.Sink.Notify(ctx, notify.Message{
			UserID:  e.PayeeID,
			Title:   "Commission Earned!",
			Message: fmt.Sprintf("You earned $%s commission from your referral network", e.Amount.StringFixed(commission.MinorUnits)),
			Type:    notify.TypeSuccess,
		})
		paid = append(paid, CommissionResult{PayeeID: e.PayeeID, Level: e.Level, Amount: e.Amount})
	}
	return paid, nil
}

func skipped(inv models.Investment) *ReturnResult {
	return &ReturnResult{InvestmentID: inv.ID, UserID: inv.UserID, Action: ActionSkipped}
}

func dailyReturnRef(investmentID string, period time.Time) string {
	return strings.Join([]string{string(models.TxDailyReturn), investmentID, period.Format(time.DateOnly)}, ":")
}

func commissionRef(investmentID string, period time.Time, level int) string {
	return fmt.Sprintf("%s:%s:%s:L%d", models.TxCommission, investmentID, period.Format(time.DateOnly), level)
}
