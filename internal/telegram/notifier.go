package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/raine/werkaholic-scanner/internal/scanner"
	"github.com/rs/zerolog/log"
)

// EventSource publishes scanner events. Done is closed when the source stops
// for good.
type EventSource interface {
	Subscribe() (<-chan scanner.Event, func())
	Done() <-chan struct{}
}

// resubscribeDelay is the pause before subscribing again after the scanner
// dropped the notifier for falling behind.
var resubscribeDelay = 100 * time.Millisecond

// Notifier pushes automatic results and loop halts to the admin chat.
// Manual captures are answered by the Bot directly.
type Notifier struct {
	tg     BotAPI
	events EventSource
	chatID int64
}

// NewNotifier creates a notifier that sends to chatID.
func NewNotifier(tg BotAPI, events EventSource, chatID int64) *Notifier {
	return &Notifier{tg: tg, events: events, chatID: chatID}
}

// Run forwards events until ctx is cancelled or the scanner stops.
func (n *Notifier) Run(ctx context.Context) {
	log.Info().Int64("chatId", n.chatID).Msg("telegram notifier started")

	for {
		n.forward(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("telegram notifier stopped")
			return
		case <-n.events.Done():
			log.Info().Msg("scanner stopped, telegram notifier exiting")
			return
		case <-time.After(resubscribeDelay):
			log.Warn().Msg("telegram notifier fell behind, subscribing again")
		}
	}
}

// forward handles events until the subscription ends or ctx is cancelled.
func (n *Notifier) forward(ctx context.Context) {
	events, cancel := n.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ev)
		}
	}
}

func (n *Notifier) handleEvent(ev scanner.Event) {
	var text string
	switch {
	case ev.Type == scanner.EventResult && !ev.Manual && ev.Result != nil:
		text = "📸 *Neues Ergebnis*\n\n" + formatResult(ev.Result)
	case ev.Type == scanner.EventStateChanged && ev.Status.State == scanner.QuotaExceeded:
		text = fmt.Sprintf(MsgLoopHalted, escapeMarkdown(ev.Message))
	default:
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.tg.Send(msg); err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to send notification")
	}
}
