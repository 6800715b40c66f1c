// Package alert forwards session failures that need operator action to a
// Telegram chat through the Bot API.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"linkgate/internal/bus"
)

const (
	maxSendRetries = 3
	queueSize      = 64
	defaultQuiet   = 5 * time.Minute
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// BotSender posts alerts to a fixed chat.
type BotSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewBotSender(token string, chatID int64) (*BotSender, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("alerts: bot token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &BotSender{bot: bot, chatID: chatID}, nil
}

func (b *BotSender) Send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.DisableWebPagePreview = true
	_, err := b.bot.Send(msg)
	return err
}

// Notifier turns bus events into alerts. Repeats of the same event for the
// same tenant are suppressed for the quiet period.
type Notifier struct {
	sender Sender
	logger *slog.Logger
	quiet  time.Duration
	now    func() time.Time

	queue chan string

	mu   sync.Mutex
	last map[string]time.Time
}

func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender: sender,
		logger: logger,
		quiet:  defaultQuiet,
		now:    time.Now,
		queue:  make(chan string, queueSize),
		last:   make(map[string]time.Time),
	}
}

// alertEvents are the bus events that produce alerts.
var alertEvents = []string{
	bus.EventSessionAuthFailed,
	bus.EventSessionExhausted,
	bus.EventSessionEvicted,
	bus.EventPersistenceFailed,
}

// Subscribe registers the notifier on eb and returns a function that
// removes it again.
func (n *Notifier) Subscribe(eb *bus.EventBus) func() {
	ids := make([]string, len(alertEvents))
	for i, t := range alertEvents {
		ids[i] = eb.On(t, n.handle)
	}
	return func() {
		for i, t := range alertEvents {
			eb.Off(t, ids[i])
		}
	}
}

// handle runs on the emitting goroutine and must not block.
func (n *Notifier) handle(ev bus.Event) {
	text, ok := Format(ev)
	if !ok {
		return
	}
	key := ev.Type + "/" + ev.Tenant
	now := n.now()

	n.mu.Lock()
	if last, seen := n.last[key]; seen && now.Sub(last) < n.quiet {
		n.mu.Unlock()
		return
	}
	n.last[key] = now
	n.mu.Unlock()

	select {
	case n.queue <- text:
	default:
		n.logger.Warn("alert queue full, dropping alert", "event", ev.Type, "tenant", ev.Tenant)
	}
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			n.deliver(ctx, text)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, text string) {
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		err := n.sender.Send(ctx, text)
		if err == nil {
			return
		}
		if attempt == maxSendRetries {
			n.logger.Error("alert delivery failed", "err", err, "attempts", attempt+1)
			return
		}
		wait := time.Duration(attempt+1) * time.Second
		if strings.Contains(err.Error(), "Too Many Requests") {
			wait *= 3
		}
		n.logger.Warn("alert delivery failed, retrying", "err", err, "retry_after", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Format renders ev as an alert. It reports false for events that do not
// warrant one.
func Format(ev bus.Event) (string, bool) {
	switch ev.Type {
	case bus.EventSessionAuthFailed:
		return fmt.Sprintf("⚠️ Tenant %s: authentication failed (%v). Reset the session and pair again.",
			ev.Tenant, payload(ev, "error")), true
	case bus.EventSessionExhausted:
		return fmt.Sprintf("⚠️ Tenant %s: gave up reconnecting after %v attempts. Reset required.",
			ev.Tenant, payload(ev, "attempts")), true
	case bus.EventSessionEvicted:
		if persistent, _ := ev.Payload["persistent"].(bool); !persistent {
			return "", false
		}
		return fmt.Sprintf("ℹ️ Tenant %s: linked session evicted while %v.", ev.Tenant, payload(ev, "status")), true
	case bus.EventPersistenceFailed:
		return fmt.Sprintf("⚠️ Saving linked sessions failed: %v", payload(ev, "error")), true
	}
	return "", false
}

func payload(ev bus.Event, key string) any {
	if v, ok := ev.Payload[key]; ok {
		return v
	}
	return "unknown"
}
