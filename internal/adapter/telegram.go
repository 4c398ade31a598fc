package adapter

import (
	"context"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/harunnryd/kagura/internal/errors"
)

type TelegramAdapter struct {
	token string
	bot   *tgbotapi.BotAPI
}

func NewTelegramAdapter(token string) *TelegramAdapter {
	return &TelegramAdapter{token: token}
}

func (t *TelegramAdapter) Name() string {
	return "telegram"
}

// Connect initializes the bot client. Separate from construction so the
// daemon can build the wiring before the network is touched.
func (t *TelegramAdapter) Connect() error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return errors.Wrap(err, "failed to init telegram bot")
	}
	t.bot = bot
	slog.Info("Telegram adapter connected", "user", bot.Self.UserName)
	return nil
}

func (t *TelegramAdapter) SendMessage(ctx context.Context, destination, text string) error {
	if t.bot == nil {
		return errors.Internal("telegram bot not connected")
	}
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return errors.Validation("invalid telegram destination: " + err.Error())
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return errors.Wrap(err, "failed to send telegram message")
	}

	slog.Debug("Telegram message sent", "chat_id", destination)
	return nil
}

func (t *TelegramAdapter) Health(ctx context.Context) error {
	if t.bot == nil {
		return errors.Internal("telegram bot not connected")
	}
	if _, err := t.bot.GetMe(); err != nil {
		return errors.Wrap(err, "telegram connection failed")
	}
	return nil
}
