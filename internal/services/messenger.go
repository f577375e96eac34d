package services

import "context"

// Button is an abstract keyboard button: URL when URL is set, otherwise an
// opaque callback action.
type Button struct {
	Label    string
	URL      string
	Callback string
}

// Messenger is the delivery surface the core emits through. The Telegram
// implementation lives in internal/bot; tests use fakes.
type Messenger interface {
	Send(ctx context.Context, userID int64, text string, buttons []Button) error
}
