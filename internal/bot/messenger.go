package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"VPN-Sales-Bot/internal/services"
)

// TelegramMessenger adapts the bot API to the Messenger interface the core
// consumes.
type TelegramMessenger struct {
	api *tgbotapi.BotAPI
}

func NewTelegramMessenger(api *tgbotapi.BotAPI) *TelegramMessenger {
	return &TelegramMessenger{api: api}
}

func (m *TelegramMessenger) Send(ctx context.Context, userID int64, text string, buttons []services.Button) error {
	msg := tgbotapi.NewMessage(userID, text)
	if len(buttons) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
		for _, b := range buttons {
			var btn tgbotapi.InlineKeyboardButton
			if b.URL != "" {
				btn = tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL)
			} else {
				btn = tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Callback)
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(btn))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	_, err := m.api.Send(msg)
	return err
}

// SendText satisfies logger.AdminSender.
func (m *TelegramMessenger) SendText(chatID int64, text string) error {
	_, err := m.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}
