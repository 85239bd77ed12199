// Package notify sends one-way operator alerts over Telegram when the
// Risk Engine pauses an account, an order fails after dispatch, or the
// process shuts down. It is outbound-only: the aggregator takes orders
// from its own producers, not from a chat operator.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeagg/internal/aggregator"
	"github.com/web3guy0/tradeagg/internal/config"
	"github.com/web3guy0/tradeagg/internal/risk"
)

// Notifier sends Markdown-formatted alerts to a single configured chat.
// A disabled Notifier is a no-op so callers never branch on configuration.
type Notifier struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
}

// New connects to Telegram if cfg.Enabled, otherwise returns a disabled
// no-op Notifier.
func New(cfg config.NotifyConfig) (*Notifier, error) {
	if !cfg.Enabled {
		return &Notifier{enabled: false}, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram alerting initialized")
	return &Notifier{api: api, chatID: cfg.TelegramChatID, enabled: true}, nil
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("notify: failed to send telegram alert")
	}
}

// WireRiskPause registers the Notifier as the Risk Engine's pause
// callback, alerting whenever an account pauses.
func (n *Notifier) WireRiskPause(engine *risk.Engine) {
	engine.OnPause(func(accountID, reason string) {
		n.send(fmt.Sprintf("🛑 *Trading paused*\naccount: `%s`\nreason: %s", accountID, reason))
	})
}

// WireCore subscribes to order-failed events so repeated downstream
// unavailability surfaces to an operator instead of only the logs.
func (n *Notifier) WireCore(core *aggregator.Core) {
	core.On(aggregator.EventOrderFailed, func(ev aggregator.Event) {
		if ev.Order == nil {
			return
		}
		n.send(fmt.Sprintf("⚠️ *Order failed*\norder: `%s`\ninstrument: %s\nreason: %s", ev.Order.ID, ev.Order.Instrument, ev.Reason))
	})
}

// Shutdown sends a final alert that the aggregator is going down.
func (n *Notifier) Shutdown(reason string) {
	n.send(fmt.Sprintf("🔴 *Aggregator shutting down*\nreason: %s", reason))
}
