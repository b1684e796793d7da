// Package notify sends scraping run reports to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/devpouya/swissnews/internal/scheduler"
)

// maxMessageLen is Telegram's limit on message text.
const maxMessageLen = 4096

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts run reports to one chat.
type Telegram struct {
	api    telegramAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegram creates a Telegram reporter authenticated with token.
func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

// Report sends the summary of a finished run.
func (t *Telegram) Report(_ context.Context, res scheduler.Result) error {
	return t.SendMessage(FormatRunReport(res))
}

// SendMessage sends a text message to the configured chat.
func (t *Telegram) SendMessage(text string) error {
	if r := []rune(text); len(r) > maxMessageLen {
		text = string(r[:maxMessageLen-3]) + "..."
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send message to %d: %w", t.chatID, err)
	}
	t.log.Debug("report sent", "chat_id", t.chatID)
	return nil
}
