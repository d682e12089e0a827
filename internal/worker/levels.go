package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mlm-engine/internal/ledger"
	"mlm-engine/internal/metrics"
	"mlm-engine/internal/models"
	"mlm-engine/internal/notify"
	"mlm-engine/internal/tier"
)

const UserLevelsJob = "update-user-levels"

// noLevel is reported as the old level of a user's first assignment.
const noLevel = "None"

type LevelResult struct {
	UserID   string `json:"user_id"`
	OldLevel string `json:"old_level"`
	NewLevel string `json:"new_level"`
}

type LevelsSummary struct {
	Success   bool          `json:"success"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Results   []LevelResult `json:"results"`
	Failures  []ItemFailure `json:"failures,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func (s *LevelsSummary) Succeeded() bool { return s.Success }
func (s *LevelsSummary) Failure() string { return s.Error }

func (s *LevelsSummary) Brief() string {
	if !s.Success {
		return fmt.Sprintf("aborted after %d updates", s.Updated)
	}
	return fmt.Sprintf("%d updated, %d unchanged, %d failed", s.Updated, s.Unchanged, s.Failed)
}

// LevelUpdater recomputes every user's tier from their referral network and
// investments. A user's level row is only written when the tier changes.
type LevelUpdater struct {
	Store   ledger.Store
	Sink    notify.Sink
	Log     *zap.Logger
	Tiers   tier.Table
	Workers int
	Now     func() time.Time
}

func NewLevelUpdater(store ledger.Store, sink notify.Sink, log *zap.Logger, tiers tier.Table, workers int) *LevelUpdater {
	if workers < 1 {
		workers = 1
	}
	if len(tiers) == 0 {
		tiers = tier.Default()
	}
	return &LevelUpdater{
		Store:   store,
		Sink:    sink,
		Log:     log.Named("levels"),
		Tiers:   tiers,
		Workers: workers,
		Now:     time.Now,
	}
}

func (j *LevelUpdater) Name() string { return UserLevelsJob }

type levelOutcome struct {
	result *LevelResult
	done   bool
	err    error
}

func (j *LevelUpdater) Run(ctx context.Context) Result {
	summary := &LevelsSummary{Success: true, Results: []LevelResult{}}

	profiles, err := j.Store.ListProfiles(ctx)
	if err != nil {
		j.Log.Error("Failed to load profiles", zap.Error(err))
		summary.Success = false
		summary.Error = err.Error()
		return summary
	}
	j.Log.Info("Updating user levels", zap.Int("users", len(profiles)))

	now := j.Now()
	outcomes := make([]levelOutcome, len(profiles))
	var g errgroup.Group
	g.SetLimit(j.Workers)
	for i := range profiles {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := j.updateUser(ctx, profiles[i].ID, now)
			outcomes[i] = levelOutcome{result: res, done: true, err: err}
			return nil
		})
	}
	waitErr := g.Wait()
	if waitErr == nil {
		waitErr = ctx.Err()
	}

	var itemErrs error
	for i, out := range outcomes {
		switch {
		case out.err != nil:
			summary.Failures = append(summary.Failures, ItemFailure{ID: profiles[i].ID, Error: out.err.Error()})
			itemErrs = multierr.Append(itemErrs, fmt.Errorf("user %s: %w", profiles[i].ID, out.err))
			metrics.RecordItem(UserLevelsJob, "failed")
		case out.result != nil:
			summary.Results = append(summary.Results, *out.result)
			metrics.RecordItem(UserLevelsJob, "updated")
		case out.done:
			summary.Unchanged++
			metrics.RecordItem(UserLevelsJob, "unchanged")
		}
	}
	summary.Updated = len(summary.Results)
	summary.Failed = len(summary.Failures)

	if itemErrs != nil {
		j.Log.Warn("Some users failed", zap.Int("failed", summary.Failed), zap.Error(itemErrs))
	}
	if waitErr != nil {
		summary.Success = false
		summary.Error = waitErr.Error()
		j.Log.Error("Level update aborted", zap.Error(waitErr))
		return summary
	}

	j.Log.Info("User levels updated",
		zap.Int("updated", summary.Updated),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("failed", summary.Failed))
	return summary
}

// Stats gathers the aggregates a user's tier is resolved from.
func (j *LevelUpdater) Stats(ctx context.Context, userID string) (tier.Stats, error) {
	direct, err := j.Store.CountReferrals(ctx, userID, 1)
	if err != nil {
		return tier.Stats{}, fmt.Errorf("count direct referrals: %w", err)
	}
	team, err := j.Store.CountReferrals(ctx, userID, 0)
	if err != nil {
		return tier.Stats{}, fmt.Errorf("count team: %w", err)
	}
	invested, err := j.Store.SumInvestments(ctx, userID)
	if err != nil {
		return tier.Stats{}, fmt.Errorf("sum investments: %w", err)
	}
	return tier.Stats{DirectReferrals: direct, TeamSize: team, TotalInvestment: invested}, nil
}

// updateUser returns nil when the user's tier is unchanged.
func (j *LevelUpdater) updateUser(ctx context.Context, userID string, now time.Time) (*LevelResult, error) {
	stats, err := j.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}
	level := j.Tiers.Resolve(stats)

	current, err := j.Store.GetUserLevel(ctx, userID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("load level: %w", err)
	}
	if current != nil && current.LevelName == level {
		return nil, nil
	}

	row := &models.UserLevel{
		UserID:          userID,
		LevelName:       level,
		DirectReferrals: stats.DirectReferrals,
		TeamSize:        stats.TeamSize,
		TotalInvestment: stats.TotalInvestment,
		AchievedAt:      now,
	}
	old := noLevel
	if current != nil {
		row.ID = current.ID
		old = current.LevelName
	}
	if err := j.Store.UpsertUserLevel(ctx, row); err != nil {
		return nil, fmt.Errorf("save level: %w", err)
	}

	if current != nil {
		j.Sink.Notify(ctx, j.levelMessage(userID, old, level))
	}
	return &LevelResult{UserID: userID, OldLevel: old, NewLevel: level}, nil
}

func (j *LevelUpdater) levelMessage(userID, old, level string) notify.Message {
	if j.Tiers.Rank(level) > j.Tiers.Rank(old) {
		return notify.Message{
			UserID:  userID,
			Title:   "Level Up!",
			Message: fmt.Sprintf("Congratulations! You've reached %s level", level),
			Type:    notify.TypeSuccess,
		}
	}
	return notify.Message{
		UserID:  userID,
		Title:   "Level Changed",
		Message: fmt.Sprintf("Your level is now %s", level),
		Type:    notify.TypeInfo,
	}
}
