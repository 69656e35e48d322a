package condochat

import (
	"log/slog"
)

// Severity classifies a user notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityError:
		return "error"
	}
	return "info"
}

// Notification is a transient user-facing message about a command outcome.
type Notification struct {
	Severity Severity
	ChatID   ChatID
	Command  string
	Message  string
	Err      error
}

// Notifier surfaces command outcomes to the user.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type logNotifier struct{ logger *slog.Logger }

func (l logNotifier) Notify(n Notification) {
	attrs := []any{"chat_id", n.ChatID, "command", n.Command}
	if n.Err != nil {
		attrs = append(attrs, "error", n.Err)
	}
	switch n.Severity {
	case SeverityError:
		l.logger.Error(n.Message, attrs...)
	default:
		l.logger.Info(n.Message, attrs...)
	}
}
