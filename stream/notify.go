package stream

import (
	"context"
	"log/slog"

	"github.com/becomeliminal/nim-chat/logging"
)

// Level is the severity of a user-visible notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a toast-style message for the user.
type Notification struct {
	Level          Level  `json:"level"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier writes notifications to the context logger. It is the
// fallback when no presentation layer is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	logging.From(ctx).Log(ctx, level, "notification",
		"message", n.Message,
		"conversation_id", n.ConversationID,
	)
}
