package logger

import (
	"fmt"
	"sync"
)

// AdminSender is the minimal messenger surface the notifier needs. The
// Telegram messenger satisfies it.
type AdminSender interface {
	SendText(chatID int64, text string) error
}

var (
	sender  AdminSender
	adminID int64
	once    sync.Once
)

// InitNotifier wires critical-error alerts to the operator chat.
func InitNotifier(s AdminSender, admin int64) {
	once.Do(func() {
		sender = s
		adminID = admin
	})
}

// NotifyAdmin sends a critical alert to the operator, if wired.
func NotifyAdmin(msg string) {
	if sender == nil || adminID == 0 {
		return
	}
	_ = sender.SendText(adminID, "[ALERT] "+msg)
}

// NotifyOnPanic recovers a panic, logs it and alerts the operator.
func NotifyOnPanic(context string) {
	if r := recover(); r != nil {
		NotifyAdmin(fmt.Sprintf("Panic in %s: %v", context, r))
	}
}
