// Package bot carries the thin chat surface: user registration, a key
// listing and the purchase entry point. Everything richer lives outside the
// lifecycle engine.
package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"VPN-Sales-Bot/config"
	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
	"VPN-Sales-Bot/internal/services"
)

type Bot struct {
	api     *tgbotapi.BotAPI
	store   *db.Store
	limiter *RateLimiter
}

func New(api *tgbotapi.BotAPI, store *db.Store, adminID int64) *Bot {
	return &Bot{api: api, store: store, limiter: NewRateLimiter(adminID)}
}

// Start runs the polling loop until the updates channel closes.
func (b *Bot) Start() {
	logger.Info("bot authorized", zap.String("username", b.api.Self.UserName))
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	for update := range updates {
		b.handleUpdate(update)
	}
}

func (b *Bot) Stop() {
	b.api.StopReceivingUpdates()
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	defer logger.NotifyOnPanic("bot.handleUpdate")
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	msg := update.Message
	userID := msg.From.ID
	cmd := "/" + msg.Command()
	if b.limiter.IsLimited(userID, cmd) {
		return
	}
	switch msg.Command() {
	case "start":
		b.handleStart(msg)
	case "keys":
		b.handleKeys(msg)
	case "buy":
		b.handleBuy(msg)
	}
}

func (b *Bot) handleStart(msg *tgbotapi.Message) {
	user, err := b.store.RegisterUser(msg.From.ID, strings.TrimSpace(msg.From.FirstName+" "+msg.From.LastName))
	if err != nil {
		logger.Error("bot: register", zap.Int64("user_id", msg.From.ID), zap.Error(err))
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Welcome, %s. Use /buy <plan_id> to purchase and /keys to list your keys.", user.Name))
}

func (b *Bot) handleKeys(msg *tgbotapi.Message) {
	keys, err := b.store.GetUserKeys(msg.From.ID)
	if err != nil || len(keys) == 0 {
		b.reply(msg.Chat.ID, "You have no keys yet.")
		return
	}
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s — %s, until %s\n", k.Email, k.Status, k.ExpiryAt.In(config.DisplayLocation).Format("2006-01-02 15:04")))
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) handleBuy(msg *tgbotapi.Message) {
	user, err := b.store.RegisterUser(msg.From.ID, strings.TrimSpace(msg.From.FirstName+" "+msg.From.LastName))
	if err != nil || user.Banned {
		return
	}
	planID, err := strconv.ParseUint(strings.TrimSpace(msg.CommandArguments()), 10, 32)
	if err != nil {
		b.reply(msg.Chat.ID, "Usage: /buy <plan_id>")
		return
	}
	plan, err := b.store.GetPlan(uint(planID))
	if err != nil || !services.PlanVisibleTo(plan, user) {
		b.reply(msg.Chat.ID, "This plan is not available.")
		return
	}
	host, err := b.store.GetHost(plan.HostID)
	if err != nil {
		b.reply(msg.Chat.ID, "This plan is not available.")
		return
	}
	meta := services.Metadata{
		UserID:    user.ID,
		HostName:  host.Name,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		Operation: "new",
		Price:     plan.Price,
		Months:    plan.Months,
		Days:      plan.Days,
		Hours:     plan.Hours,
	}
	url, err := services.StartPurchase(b.store, meta, config.AppCfg.YooKassaShopID, config.AppCfg.YooKassaSecret)
	if err != nil {
		logger.Error("bot: purchase start", zap.Int64("user_id", user.ID), zap.Error(err))
		b.reply(msg.Chat.ID, "Payment could not be created, try again later.")
		return
	}
	out := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Plan %s, %s RUB. Pay via the button below.", plan.Name, plan.Price.StringFixed(2)))
	out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("Pay", url)),
	)
	_, _ = b.api.Send(out)
}

func (b *Bot) reply(chatID int64, text string) {
	_, _ = b.api.Send(tgbotapi.NewMessage(chatID, text))
}
