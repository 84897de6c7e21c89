package notifier

import (
	"context"

	"price-tracker/internal/logger"
)

// LogTransport writes alerts to the application log. It is the default when
// no external transport is configured.
type LogTransport struct {
	log *logger.Logger
}

func NewLogTransport(log *logger.Logger) *LogTransport {
	return &LogTransport{log: log.With("transport", "log")}
}

func (t *LogTransport) Send(ctx context.Context, recipient, subject, body string) error {
	t.log.Info("Price alert", "recipient", recipient, "subject", subject, "body", body)
	return nil
}
