package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"linkgate/internal/bus"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (r *recordingSender) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("network down")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestFormat(t *testing.T) {
	text, ok := Format(bus.Event{Type: bus.EventSessionAuthFailed, Tenant: "42",
		Payload: map[string]any{"error": "bad key"}})
	if !ok || !strings.Contains(text, "42") || !strings.Contains(text, "bad key") {
		t.Fatalf("unexpected alert %q", text)
	}

	if _, ok := Format(bus.Event{Type: bus.EventSessionEvicted, Tenant: "42",
		Payload: map[string]any{"persistent": false}}); ok {
		t.Fatal("transient evictions should not alert")
	}
	if _, ok := Format(bus.Event{Type: bus.EventMessageSent}); ok {
		t.Fatal("message events should not alert")
	}
}

func TestNotifier_DeliversAndSuppressesRepeats(t *testing.T) {
	eb := bus.NewEventBus(nil)
	sender := &recordingSender{}
	n := NewNotifier(sender, nil)
	unsubscribe := n.Subscribe(eb)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	eb.Emit(bus.Event{Type: bus.EventSessionExhausted, Tenant: "1", Payload: map[string]any{"attempts": 5}})
	eb.Emit(bus.Event{Type: bus.EventSessionExhausted, Tenant: "1", Payload: map[string]any{"attempts": 5}})
	eb.Emit(bus.Event{Type: bus.EventSessionExhausted, Tenant: "2", Payload: map[string]any{"attempts": 5}})

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.sent()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := sender.sent(); len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %v", len(got), got)
	}
}

func TestNotifier_QuietPeriodExpires(t *testing.T) {
	n := NewNotifier(&recordingSender{}, nil)
	now := time.Now()
	n.now = func() time.Time { return now }

	ev := bus.Event{Type: bus.EventSessionAuthFailed, Tenant: "1"}
	n.handle(ev)
	n.handle(ev)
	now = now.Add(defaultQuiet + time.Second)
	n.handle(ev)

	if got := len(n.queue); got != 2 {
		t.Fatalf("expected 2 queued alerts, got %d", got)
	}
}

func TestNotifier_RetriesFailedDelivery(t *testing.T) {
	sender := &recordingSender{fail: 1}
	n := NewNotifier(sender, nil)
	n.deliver(context.Background(), "hello")
	if got := sender.sent(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected delivery after retry, got %v", got)
	}
}

func TestNewBotSender_RequiresCredentials(t *testing.T) {
	if _, err := NewBotSender("", 1); err == nil {
		t.Fatal("expected error without token")
	}
}
