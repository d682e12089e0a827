package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlm-engine/internal/ledger"
	"mlm-engine/internal/models"
	"mlm-engine/internal/notify"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func newReturnsJob(store *memStore, now time.Time, workers int) *DailyReturns {
	job := NewDailyReturns(store, notify.NewStoreSink(store, zap.NewNop()), zap.NewNop(), time.UTC, workers)
	job.Now = func() time.Time { return now }
	return job
}

func runReturns(t *testing.T, job *DailyReturns) *ReturnsSummary {
	t.Helper()
	res, ok := job.Run(context.Background()).(*ReturnsSummary)
	require.True(t, ok)
	return res
}

func investment(id, owner string, daily string) models.Investment {
	return models.Investment{
		ID:           id,
		UserID:       owner,
		PackageID:    "pkg",
		Amount:       dec("1000"),
		DailyReturn:  dec(daily),
		StartDate:    testNow.AddDate(0, 0, -5),
		EndDate:      testNow.AddDate(0, 0, 25),
		TotalReturns: decimal.Zero,
	}
}

// owner was referred by A, who was referred by B.
func seedScenario(store *memStore, rates ...string) {
	store.addPackage("pkg", rates...)
	store.addInvestment(investment("inv-owner-0001", "owner", "30"))
	store.addEdge("A", "owner", 1)
	store.addEdge("B", "owner", 2)
}

func TestDailyReturnPaysUplineCommissions(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "0.05")

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	require.True(t, res.Success)
	assert.Equal(t, "2024-03-10", res.Period)
	require.Equal(t, 1, res.Processed)
	got := res.Results[0]
	assert.Equal(t, ActionReturnProcessed, got.Action)
	assertDec(t, "30", *got.Amount)
	require.Len(t, got.Commissions, 2)
	assert.Equal(t, "A", got.Commissions[0].PayeeID)
	assertDec(t, "3.00", got.Commissions[0].Amount)
	assert.Equal(t, "B", got.Commissions[1].PayeeID)
	assertDec(t, "1.50", got.Commissions[1].Amount)

	inv := store.investment("inv-owner-0001")
	assertDec(t, "30", inv.TotalReturns)
	require.NotNil(t, inv.LastReturnDate)
	assert.Equal(t, "2024-03-10", inv.LastReturnDate.Format(time.DateOnly))

	daily := store.txs(models.TxDailyReturn)
	require.Len(t, daily, 1)
	assert.Equal(t, "owner", daily[0].UserID)
	assert.Equal(t, "Daily return from investment #inv-owne", daily[0].Description)
	assert.Equal(t, "daily_return:inv-owner-0001:2024-03-10", *daily[0].ReferenceID)

	comms := store.txs(models.TxCommission)
	require.Len(t, comms, 2)
	assert.Equal(t, "Level 1 commission from referral", comms[0].Description)
	assert.Equal(t, "owner", *comms[0].FromUserID)
	assert.Equal(t, "commission:inv-owner-0001:2024-03-10:L2", *comms[1].ReferenceID)

	assertDec(t, "3", store.edge("A", "owner").TotalCommissions)
	assertDec(t, "1.5", store.edge("B", "owner").TotalCommissions)

	assert.Len(t, store.notes(), 3)
	require.Len(t, store.notesFor("A"), 1)
	assert.Equal(t, "Commission Earned!", store.notesFor("A")[0].Title)
	assert.Equal(t, "You earned $3.00 commission from your referral network", store.notesFor("A")[0].Message)
	require.Len(t, store.notesFor("owner"), 1)
	assert.Equal(t, "Daily Return Credited", store.notesFor("owner")[0].Title)
}

func TestDailyReturnCompletesMaturedInvestment(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10")
	inv := store.investment("inv-owner-0001")
	inv.EndDate = testNow.Add(-time.Hour)
	inv.TotalReturns = dec("450")
	store.addInvestment(inv)

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	require.True(t, res.Success)
	require.Len(t, res.Results, 1)
	assert.Equal(t, ActionMatured, res.Results[0].Action)
	assertDec(t, "450", *res.Results[0].TotalReturns)
	assert.Equal(t, models.InvestmentCompleted, store.investment("inv-owner-0001").Status)
	assert.Empty(t, store.txs(""))

	notes := store.notesFor("owner")
	require.Len(t, notes, 1)
	assert.Equal(t, "Investment Completed", notes[0].Title)
	assert.Equal(t, "Your investment has completed and earned a total of $450.00", notes[0].Message)

	// a completed investment is no longer picked up
	res = runReturns(t, newReturnsJob(store, testNow.Add(24*time.Hour), 1))
	assert.Zero(t, res.Processed)
	assert.Len(t, store.notes(), 1)
}

func TestDailyReturnOnEndDateIsStillCredited(t *testing.T) {
	store := newMemStore()
	seedScenario(store)
	inv := store.investment("inv-owner-0001")
	inv.EndDate = testNow
	store.addInvestment(inv)

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	require.Len(t, res.Results, 1)
	assert.Equal(t, ActionReturnProcessed, res.Results[0].Action)
}

func TestDailyReturnIsIdempotentWithinPeriod(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "0.05")

	first := runReturns(t, newReturnsJob(store, testNow, 1))
	require.Equal(t, 1, first.Processed)
	writes := store.writeCount()

	second := runReturns(t, newReturnsJob(store, testNow.Add(6*time.Hour), 1))
	require.True(t, second.Success)
	assert.Zero(t, second.Processed)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, writes, store.writeCount())
	assert.Len(t, store.txs(""), 3)

	next := runReturns(t, newReturnsJob(store, testNow.Add(24*time.Hour), 1))
	require.Equal(t, 1, next.Processed)
	assert.Equal(t, "2024-03-11", next.Period)
	assertDec(t, "60", store.investment("inv-owner-0001").TotalReturns)
	assertDec(t, "6", store.edge("A", "owner").TotalCommissions)
	assert.Len(t, store.txs(models.TxDailyReturn), 2)
}

func TestDailyReturnChainAndRateTableLengths(t *testing.T) {
	tests := []struct {
		name   string
		rates  []string
		levels []int
		want   []string
	}{
		{"chain longer than table", []string{"0.10", "0.05"}, []int{1, 2, 3}, []string{"3.00", "1.50"}},
		{"table longer than chain", []string{"0.10", "0.05", "0.03", "0.02"}, []int{1}, []string{"3.00"}},
		{"level gap stops the chain", []string{"0.10", "0.05", "0.03"}, []int{1, 3}, []string{"3.00"}},
		{"empty table", nil, []int{1, 2}, nil},
		{"amount rounding to zero is dropped", []string{"0.10", "0.0001"}, []int{1, 2}, []string{"3.00"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addPackage("pkg", tt.rates...)
			store.addInvestment(investment("inv-1", "owner", "30"))
			for _, level := range tt.levels {
				store.addEdge(fmt.Sprintf("up%d", level), "owner", level)
			}

			res := runReturns(t, newReturnsJob(store, testNow, 1))

			require.Len(t, res.Results, 1)
			comms := res.Results[0].Commissions
			require.Len(t, comms, len(tt.want))
			for i, want := range tt.want {
				assert.Equal(t, i+1, comms[i].Level)
				assertDec(t, want, comms[i].Amount)
			}
			assert.Len(t, store.txs(models.TxCommission), len(tt.want))
		})
	}
}

func TestDailyReturnRoundsHalfUp(t *testing.T) {
	store := newMemStore()
	store.addPackage("pkg", "0.05")
	store.addInvestment(investment("inv-1", "owner", "33.33"))
	store.addEdge("A", "owner", 1)

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	require.Len(t, res.Results[0].Commissions, 1)
	// 33.33 * 0.05 = 1.6665
	assertDec(t, "1.67", res.Results[0].Commissions[0].Amount)
}

func TestDailyReturnNegativeRateSkipsCommissions(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "-0.05")

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	require.True(t, res.Success)
	require.Len(t, res.Results, 1)
	assert.Equal(t, ActionReturnProcessed, res.Results[0].Action)
	assert.Contains(t, res.Results[0].CommissionError, "negative")
	assert.Empty(t, res.Results[0].Commissions)
	assert.Len(t, store.txs(models.TxDailyReturn), 1)
	assert.Empty(t, store.txs(models.TxCommission))
	assert.True(t, store.edge("A", "owner").TotalCommissions.IsZero())
}

func TestDailyReturnSkipsZeroReturn(t *testing.T) {
	store := newMemStore()
	store.addPackage("pkg", "0.10")
	store.addInvestment(investment("inv-1", "owner", "0"))

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, store.txs(""))
}

func TestDailyReturnIsolatesFailures(t *testing.T) {
	store := newMemStore()
	store.addPackage("pkg", "0.10")
	store.addInvestment(investment("inv-1", "u1", "10"))
	store.addInvestment(investment("inv-2", "u2", "20"))
	bad := investment("inv-3", "u3", "5")
	bad.EndDate = time.Time{}
	store.addInvestment(bad)
	store.fail = func(op, key string) error {
		if op == "CreateTransaction" && key == "daily_return:u1" {
			return errors.New("insert refused")
		}
		return nil
	}

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	require.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, "inv-2", res.Results[0].InvestmentID)
	require.Equal(t, 2, res.Failed)
	assert.Equal(t, "inv-1", res.Failures[0].ID)
	assert.Contains(t, res.Failures[0].Error, "insert refused")
	assert.Equal(t, "inv-3", res.Failures[1].ID)
	assert.Contains(t, res.Failures[1].Error, models.ErrInvalidRow.Error())

	assert.True(t, store.investment("inv-1").TotalReturns.IsZero())
	assert.Nil(t, store.investment("inv-1").LastReturnDate)
}

func TestDailyReturnRollsBackWhenCreditFails(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10")
	store.fail = func(op, key string) error {
		if op == "CreditInvestment" {
			return errors.New("update refused")
		}
		return nil
	}

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, store.txs(""))
	assert.Empty(t, store.notes())
}

func TestDailyReturnRepairsUnpaidCommissions(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "0.05")
	store.fail = func(op, key string) error {
		if op == "CreateTransaction" && key == "commission:B" {
			return errors.New("connection reset")
		}
		return nil
	}

	first := runReturns(t, newReturnsJob(store, testNow, 1))
	require.Equal(t, 1, first.Failed)
	assert.Contains(t, first.Failures[0].Error, "commissions incomplete")
	assert.Len(t, store.txs(models.TxDailyReturn), 1)
	assert.Len(t, store.txs(models.TxCommission), 1)
	assert.True(t, store.edge("B", "owner").TotalCommissions.IsZero())

	store.fail = nil
	second := runReturns(t, newReturnsJob(store, testNow.Add(time.Hour), 1))

	require.True(t, second.Success)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 1, second.Repaired)
	assert.Len(t, store.txs(models.TxDailyReturn), 1)
	assert.Len(t, store.txs(models.TxCommission), 2)
	assertDec(t, "3", store.edge("A", "owner").TotalCommissions)
	assertDec(t, "1.5", store.edge("B", "owner").TotalCommissions)
	assertDec(t, "30", store.investment("inv-owner-0001").TotalReturns)
}

func TestDailyReturnRepairsPreviousPeriodBeforeCrediting(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "0.05")
	store.fail = func(op, key string) error {
		if op == "CreateTransaction" && key == "commission:B" {
			return errors.New("connection reset")
		}
		return nil
	}
	first := runReturns(t, newReturnsJob(store, testNow, 1))
	require.Equal(t, 1, first.Failed)

	// no rerun on the same day; the next scheduled run finishes it
	store.fail = nil
	next := runReturns(t, newReturnsJob(store, testNow.AddDate(0, 0, 1), 1))

	require.True(t, next.Success)
	require.Equal(t, 1, next.Processed)
	assert.Equal(t, 1, next.Repaired)
	comms := store.txs(models.TxCommission)
	require.Len(t, comms, 4)
	refs := make([]string, 0, len(comms))
	for _, c := range comms {
		refs = append(refs, *c.ReferenceID)
	}
	assert.Contains(t, refs, "commission:inv-owner-0001:2024-03-10:L2")
	assert.Contains(t, refs, "commission:inv-owner-0001:2024-03-11:L2")
	assertDec(t, "6", store.edge("A", "owner").TotalCommissions)
	assertDec(t, "3", store.edge("B", "owner").TotalCommissions)
	assertDec(t, "60", store.investment("inv-owner-0001").TotalReturns)
	assert.Len(t, store.notesFor("B"), 2)

	assert.True(t, runAudit(t, store).Consistent)
}

func TestDailyReturnRepairsFinalPeriodBeforeCompleting(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "0.05")
	inv := store.investment("inv-owner-0001")
	inv.EndDate = testNow.Add(6 * time.Hour)
	store.addInvestment(inv)
	store.fail = func(op, key string) error {
		if op == "AddReferralCommission" && key == "B>owner" {
			return errors.New("deadlock detected")
		}
		return nil
	}
	first := runReturns(t, newReturnsJob(store, testNow, 1))
	require.Equal(t, 1, first.Failed)
	assert.Len(t, store.txs(models.TxCommission), 1)

	store.fail = nil
	next := runReturns(t, newReturnsJob(store, testNow.AddDate(0, 0, 1), 1))

	require.True(t, next.Success)
	require.Len(t, next.Results, 1)
	assert.Equal(t, ActionMatured, next.Results[0].Action)
	assert.Equal(t, 1, next.Repaired)
	assert.Equal(t, models.InvestmentCompleted, store.investment("inv-owner-0001").Status)
	assert.Len(t, store.txs(models.TxDailyReturn), 1)
	require.Len(t, store.txs(models.TxCommission), 2)
	assertDec(t, "1.5", store.edge("B", "owner").TotalCommissions)
	assert.True(t, runAudit(t, store).Consistent)
}

func TestDailyReturnRepairFailureHoldsNewPeriod(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10", "0.05")
	failB := func(op, key string) error {
		if op == "CreateTransaction" && key == "commission:B" {
			return errors.New("connection reset")
		}
		return nil
	}
	store.fail = failB
	runReturns(t, newReturnsJob(store, testNow, 1))

	next := runReturns(t, newReturnsJob(store, testNow.AddDate(0, 0, 1), 1))

	require.Equal(t, 1, next.Failed)
	assert.Contains(t, next.Failures[0].Error, "repair commissions for 2024-03-10")
	assert.Len(t, store.txs(models.TxDailyReturn), 1)
	assert.Equal(t, "2024-03-10", store.investment("inv-owner-0001").LastReturnDate.Format(time.DateOnly))
}

func TestDailyReturnTopLevelFailure(t *testing.T) {
	store := newMemStore()
	store.fail = func(op, _ string) error {
		if op == "ActiveInvestments" {
			return errors.New("db down")
		}
		return nil
	}

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	assert.False(t, res.Succeeded())
	assert.Equal(t, "db down", res.Failure())
}

func TestDailyReturnCancelledRun(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newReturnsJob(store, testNow, 1).Run(ctx)

	assert.False(t, res.Succeeded())
	assert.Equal(t, context.Canceled.Error(), res.Failure())
	assert.Empty(t, store.txs(""))
}

func TestDailyReturnNotificationFailureDoesNotFailItem(t *testing.T) {
	store := newMemStore()
	seedScenario(store, "0.10")
	store.fail = func(op, _ string) error {
		if op == "CreateNotification" {
			return errors.New("notifications table locked")
		}
		return nil
	}

	res := runReturns(t, newReturnsJob(store, testNow, 1))

	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Failed)
	assert.Len(t, store.txs(""), 2)
}

func TestDailyReturnPeriodFollowsLocation(t *testing.T) {
	store := newMemStore()
	seedScenario(store)
	job := newReturnsJob(store, time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), 1)
	job.Location = time.FixedZone("UTC+9", 9*60*60)

	res := runReturns(t, job)

	assert.Equal(t, "2024-03-11", res.Period)
	assert.Equal(t, "2024-03-11", store.investment("inv-owner-0001").LastReturnDate.Format(time.DateOnly))
}

func TestDailyReturnParallelWorkers(t *testing.T) {
	store := newMemStore()
	store.addPackage("pkg", "0.10")
	for i := 0; i < 40; i++ {
		owner := fmt.Sprintf("u%02d", i)
		store.addInvestment(investment(fmt.Sprintf("inv-%02d", i), owner, "30"))
		store.addEdge("A", owner, 1)
	}

	res := runReturns(t, newReturnsJob(store, testNow, 4))

	require.True(t, res.Success)
	assert.Equal(t, 40, res.Processed)
	for i, r := range res.Results {
		assert.Equal(t, fmt.Sprintf("inv-%02d", i), r.InvestmentID)
	}
	total, err := store.SumTransactions(context.Background(), ledger.TransactionFilter{UserID: "A", Type: models.TxCommission})
	require.NoError(t, err)
	assertDec(t, "120", total)

	again := runReturns(t, newReturnsJob(store, testNow, 4))
	assert.Equal(t, 40, again.Skipped)
	assert.Len(t, store.txs(models.TxDailyReturn), 40)
}

func TestPeriodOf(t *testing.T) {
	late := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), PeriodOf(late, nil))
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), PeriodOf(late, time.FixedZone("UTC+3", 3*60*60)))
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), PeriodOf(late, time.FixedZone("UTC-5", -5*60*60)))
}
