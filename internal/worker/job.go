// Package worker holds the engine's batch jobs. Each job is a stateless,
// single-invocation run over the current ledger state; callers must ensure
// only one run of a job is in flight (see the scheduler package).
package worker

import (
	"context"
	"errors"
	"time"

	"mlm-engine/internal/commission"
	"mlm-engine/internal/models"
)

// Result is a job's summary as returned to the invoker.
type Result interface {
	Succeeded() bool
	Failure() string
	// Brief is a one-line human summary for operator reports.
	Brief() string
}

type Job interface {
	Name() string
	Run(ctx context.Context) Result
}

// ItemFailure is one item the run could not process. It will be reconsidered
// by the next run.
type ItemFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// PeriodOf is the return period containing now: the calendar date in loc,
// expressed as midnight UTC so it compares equal to a stored date column.
func PeriodOf(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

var errPackageMissing = errors.New("investment has no package")

// isConfigError reports errors caused by package configuration rather than by
// the store; they skip commissions but do not fail the item.
func isConfigError(err error) bool {
	return errors.Is(err, models.ErrInvalidRateTable) ||
		errors.Is(err, commission.ErrNegativeRate) ||
		errors.Is(err, errPackageMissing)
}
