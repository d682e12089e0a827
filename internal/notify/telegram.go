package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
)

// Report is a finished job run as seen by operators.
type Report struct {
	Job     string
	Success bool
	Summary string
	Error   string
}

// Reporter tells operators how a scheduled run went.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// MessageSender is the subset of *telego.Bot used for reports.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// TelegramReporter posts run reports to an ops chat.
type TelegramReporter struct {
	bot    MessageSender
	chatID int64
	log    *zap.Logger
}

// NewTelegramReporter returns a NopReporter when token or chat are unset.
func NewTelegramReporter(token string, chatID int64, log *zap.Logger) (Reporter, error) {
	if token == "" || chatID == 0 {
		return NopReporter{}, nil
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewTelegramReporterWithSender(bot, chatID, log), nil
}

func NewTelegramReporterWithSender(bot MessageSender, chatID int64, log *zap.Logger) *TelegramReporter {
	return &TelegramReporter{bot: bot, chatID: chatID, log: log.Named("telegram")}
}

func (r *TelegramReporter) Report(ctx context.Context, rep Report) {
	if _, err := r.bot.SendMessage(ctx, tu.Message(tu.ID(r.chatID), FormatReport(rep))); err != nil {
		r.log.Warn("Failed to send run report", zap.String("job", rep.Job), zap.Error(err))
	}
}

func FormatReport(rep Report) string {
	if !rep.Success {
		return fmt.Sprintf("❌ %s failed: %s", rep.Job, rep.Error)
	}
	return fmt.Sprintf("✅ %s finished\n%s", rep.Job, rep.Summary)
}

type NopReporter struct{}

func (NopReporter) Report(context.Context, Report) {}
