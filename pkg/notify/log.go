package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes rendered notifications to the logger instead of sending them.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a development notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (n *LogNotifier) Send(_ context.Context, to Recipient, kind TemplateKind, payload map[string]string) error {
	subject, body, err := Render(kind, to, payload)
	if err != nil {
		return err
	}
	n.logger.Info("notification",
		zap.String("template", string(kind)),
		zap.String("recipient_id", to.ID),
		zap.String("recipient_email", to.Email),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
