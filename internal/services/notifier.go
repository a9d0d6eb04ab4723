package services

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers customer messages. It is only ever called after the unit
// of work it describes has committed.
type Notifier interface {
	Send(ctx context.Context, template, recipient string, vars map[string]string) error
}

// notifyAfterCommit hands a message to n. The committed mutation stands no
// matter what happens here, so failures are only logged.
func notifyAfterCommit(ctx context.Context, n Notifier, logger *zap.Logger, template, recipient string, vars map[string]string) {
	if n == nil {
		return
	}
	if recipient == "" {
		logger.Debug("no recipient for notification", zap.String("template", template))
		return
	}

	// The request may already be finished; delivery must not inherit its cancellation.
	if err := n.Send(context.WithoutCancel(ctx), template, recipient, vars); err != nil {
		logger.Info("notification not delivered",
			zap.String("template", template),
			zap.Error(err))
	}
}
