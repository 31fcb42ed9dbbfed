package notify

import (
	"context"
	"log/slog"

	"github.com/roach88/provsync/internal/breaker"
)

// LogSender writes break events to a structured logger. The target is
// recorded as the audience of the message.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender writing to logger, or slog.Default if nil.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, target string, ev breaker.Event) error {
	s.logger.WarnContext(ctx, "system suspended",
		"event", "break_notification",
		"recipient", target,
		"system", ev.System,
		"kind", ev.Kind,
		"previous_state", ev.PreviousState,
		"new_state", ev.NewState,
		"failures", ev.FailureCount,
		"window_start", ev.WindowStart,
		"at", ev.At,
	)
	return nil
}
