// Package notify defines the notification port. The core emits
// user-facing events through it; the default implementation writes
// structured log records, and hosts may plug in toasts, webhooks, or
// anything else.
package notify

import "log/slog"

// Notifier is the notification port.
type Notifier interface {
	Info(title, message, brokerID string)
	Success(title, message, brokerID string)
	Warning(title, message, brokerID string)
	Error(title, message, brokerID string)
}

// LogNotifier routes notifications into the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier builds the default slog-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Info(title, message, brokerID string) {
	n.logger.Info(title, "message", message, "broker", brokerID)
}

func (n *LogNotifier) Success(title, message, brokerID string) {
	n.logger.Info(title, "message", message, "broker", brokerID, "outcome", "success")
}

func (n *LogNotifier) Warning(title, message, brokerID string) {
	n.logger.Warn(title, "message", message, "broker", brokerID)
}

func (n *LogNotifier) Error(title, message, brokerID string) {
	n.logger.Error(title, "message", message, "broker", brokerID)
}

// Nop discards all notifications. Useful in tests.
type Nop struct{}

func (Nop) Info(title, message, brokerID string)    {}
func (Nop) Success(title, message, brokerID string) {}
func (Nop) Warning(title, message, brokerID string) {}
func (Nop) Error(title, message, brokerID string)   {}
