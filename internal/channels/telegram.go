// Package channels delivers loop notifications to external messengers.
// Notifiers are bus subscribers; they never touch the coordinator.
package channels

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/smile-run/smile/internal/bus"
)

// TelegramNotifier sends a Telegram message when the loop finishes or
// reports an error.
type TelegramNotifier struct {
	token    string
	chatID   int64
	eventBus *bus.Bus
	logger   *slog.Logger
	bot      *tgbotapi.BotAPI
}

// NewTelegramNotifier creates a notifier for the given bot token and chat.
func NewTelegramNotifier(token string, chatID int64, eventBus *bus.Bus, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:    token,
		chatID:   chatID,
		eventBus: eventBus,
		logger:   logger,
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// Start connects to the Telegram API and forwards loop_complete and error
// events until ctx is cancelled.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram notifier started", "user", t.bot.Self.UserName)

	completeSub := t.eventBus.Subscribe(bus.EventLoopComplete)
	errorSub := t.eventBus.Subscribe(bus.EventError)
	defer t.eventBus.Unsubscribe(completeSub)
	defer t.eventBus.Unsubscribe(errorSub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-completeSub.Ch():
			if !ok {
				return nil
			}
			t.send(formatEvent(env.Payload))
		case env, ok := <-errorSub.Ch():
			if !ok {
				return nil
			}
			t.send(formatEvent(env.Payload))
		}
	}
}

func (t *TelegramNotifier) send(text string) {
	if text == "" {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram send failed", "error", err)
	}
}

// formatEvent turns a loop event into a short human-readable message.
// Events that carry no notification-worthy payload yield "".
func formatEvent(ev bus.LoopEvent) string {
	switch payload := ev.Payload.(type) {
	case bus.LoopCompletePayload:
		return fmt.Sprintf("SMILE loop finished: %s after %d iteration(s)\n%s",
			payload.Status, payload.Iterations, payload.Summary)
	case bus.ErrorPayload:
		return "SMILE loop error: " + payload.Message
	}
	return ""
}
