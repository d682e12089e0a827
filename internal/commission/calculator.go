// Package commission computes multi-level referral commissions.
//
// Amounts are exact decimals; each entry is rounded once, half-up, to the
// currency's minor unit when it is created.
package commission

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"mlm-engine/internal/models"
)

// MinorUnits is the number of decimal places kept on posted amounts.
const MinorUnits = 2

var ErrNegativeRate = errors.New("negative commission rate")

// Entry is one commission payment owed to an upline member.
type Entry struct {
	PayeeID string
	Level   int
	Rate    decimal.Decimal
	Amount  decimal.Decimal
}

// Round applies the ledger rounding policy.
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnits)
}

// Compute walks min(len(chain), len(rates)) levels, nearest referrer first.
// Entries whose rounded amount is not positive are dropped. A negative rate
// anywhere in the table rejects the whole computation.
func Compute(base decimal.Decimal, chain []string, rates []decimal.Decimal) ([]Entry, error) {
	for i, rate := range rates {
		if rate.IsNegative() {
			return nil, fmt.Errorf("%w: level %d rate %s", ErrNegativeRate, i+1, rate)
		}
	}

	n := min(len(chain), len(rates))
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		amount := Round(base.Mul(rates[i]))
		if !amount.IsPositive() {
			continue
		}
		entries = append(entries, Entry{
			PayeeID: chain[i],
			Level:   i + 1,
			Rate:    rates[i],
			Amount:  amount,
		})
	}
	return entries, nil
}

// ChainFromEdges orders the precomputed referral edges of one user into a chain.
// The chain stops at the first missing or duplicated level, since a payee can
// only be placed by its level.
func ChainFromEdges(edges []models.Referral) (chain []string, byLevel map[int]models.Referral, complete bool) {
	sorted := make([]models.Referral, len(edges))
	copy(sorted, edges)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })

	byLevel = make(map[int]models.Referral, len(sorted))
	for i, edge := range sorted {
		if edge.Level != i+1 {
			return chain, byLevel, false
		}
		chain = append(chain, edge.ReferrerID)
		byLevel[edge.Level] = edge
	}
	return chain, byLevel, true
}
