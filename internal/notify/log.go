package notify

import "context"

// LogNotifier writes every event as a structured log line. It is always
// enabled regardless of configured channels and serves as the guaranteed
// audit trail for every notification the control plane ever decided to send.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs. Failures and
// blocked auto-updates log at Error level so they surface in log-based
// alerting even when no external channel is configured.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	fields := []any{
		"type", string(event.Type),
		"environment", event.EnvironmentID,
		"container", event.ContainerName,
		"old_image", event.OldImage,
		"new_image", event.NewImage,
		"old_digest", event.OldDigest,
		"new_digest", event.NewDigest,
		"reason", event.Reason,
		"error", event.Error,
		"timestamp", event.Timestamp.String(),
	}
	switch event.Type {
	case EventUpdateFailed, EventRollbackFailed, EventAutoUpdateBlocked, EventScheduleFailed:
		l.log.Error("notification event", fields...)
	default:
		l.log.Info("notification event", fields...)
	}
	return nil
}
