package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"price-tracker/internal/logger"
)

// TelegramConfig configures the Telegram transport. Endpoint overrides the
// Bot API URL template and is only set in tests.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	Endpoint string
}

// TelegramTransport posts alerts to a Telegram chat. The recipient passed
// to Send is a chat ID; when empty the configured chat is used.
type TelegramTransport struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *logger.Logger
}

// NewTelegramTransport authorizes the bot against the Bot API
func NewTelegramTransport(cfg TelegramConfig, log *logger.Logger) (*TelegramTransport, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not configured")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		if err.Error() == "Unauthorized" {
			return nil, fmt.Errorf("telegram token invalid or expired; get one from @BotFather")
		}
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	bot.Debug = false

	log = log.With("transport", "telegram")
	log.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return &TelegramTransport{bot: bot, chatID: cfg.ChatID, log: log}, nil
}

func (t *TelegramTransport) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID := t.chatID
	if r := strings.TrimSpace(recipient); r != "" {
		parsed, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram recipient %q is not a chat id: %w", r, err)
		}
		chatID = parsed
	}
	if chatID == 0 {
		return fmt.Errorf("telegram chat id not configured")
	}

	msg := tgbotapi.NewMessage(chatID, subject+"\n\n"+body)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
