package alerts

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token  string
	ChatID int64
	// Timeout bounds the initial bot handshake. Default 10s.
	Timeout time.Duration
}

// telegramSender pushes alert texts to a single chat. The bot is created
// offline (no poller); only the send path is used.
type telegramSender struct {
	bot  *tele.Bot
	chat tele.ChatID
}

func NewTelegramSender(cfg TelegramConfig) (Sender, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *telegramSender) Send(ctx context.Context, text string) error {
	// telebot has no per-call context; rely on its internal HTTP timeouts and
	// keep the caller's deadline as a cheap pre-check.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text)
	return err
}
