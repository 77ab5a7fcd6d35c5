// Package notify delivers message summaries to outbound channels.
//
// Delivery is best effort: callers log a failed notification and carry on.
// A Summary may carry a view URL holding a capability token, so
// implementations must never log it.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dhcgn/mail-relay/model"
)

// Notifier hands a summary to an outbound channel.
type Notifier interface {
	Notify(ctx context.Context, summary model.Summary) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, summary model.Summary) error

func (f Func) Notify(ctx context.Context, summary model.Summary) error {
	return f(ctx, summary)
}

// Multi fans a summary out to every notifier. All notifiers are attempted;
// their errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, summary model.Summary) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes the summary to a logger. The view URL is left out.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, summary model.Summary) error {
	l.logger.Info("message relayed",
		"from", summary.From,
		"subject", summary.Subject,
		"codeFound", summary.Code != "",
		"receivedAt", summary.ReceivedAt,
	)
	return nil
}

func displayOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
