// Package notifier pushes operator alerts over external channels.
package notifier

// TextNotifier defines a minimal text notification interface.
// It is intentionally small so different components can depend on it without
// importing concrete implementations (e.g. Telegram).
type TextNotifier interface {
	SendText(text string) error
}

// Noop discards every message. Used when no channel is configured.
type Noop struct{}

func (Noop) SendText(string) error { return nil }
