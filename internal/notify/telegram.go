package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Telegram sender. The bot token is secret
// material and must never appear in logs.
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// Telegram is a send-only adapter. No poller is attached; the runner only
// pushes outcome messages.
type Telegram struct {
	bot  *tele.Bot
	chat tele.Recipient
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id required")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Send-only: no poller. NewBot still validates the token via getMe.
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chat: tele.ChatID(cfg.ChatID)}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	// telebot doesn't take a context; bound the call ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(t.chat, text, tele.NoPreview)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("telegram send timed out")
	}
}
