package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
)

func TestMachine_ReadyMarksPersistentAndSaves(t *testing.T) {
	h := newHarness(t, true)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)

	info := s.Info()
	if !info.Persistent || info.LastLinked == nil {
		t.Fatalf("expected persistent link after ready, got %+v", info)
	}
	if info.ReconnectAttempts != 0 {
		t.Fatalf("ready must reset attempts, got %d", info.ReconnectAttempts)
	}
	if !info.Ready {
		t.Fatal("expected Ready to be true")
	}
	waitFor(t, "store write", func() bool {
		ids := h.store.Tenants()
		return len(ids) == 1 && ids[0] == "1"
	})
}

func TestMachine_InitializeIsNoopWithClient(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)
	h.machine.Initialize(s)
	h.machine.Initialize(s)

	if n := h.factory.count(); n != 1 {
		t.Fatalf("expected 1 client, got %d", n)
	}
}

func TestMachine_LogoutOnNonPersistentDoesNotReconnect(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)
	h.factory.last().emit(domain.ClientEvent{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout})
	waitStatus(t, s, domain.StatusDisconnected)

	time.Sleep(60 * time.Millisecond)
	if n := h.factory.count(); n != 1 {
		t.Fatalf("expected no reconnect after LOGOUT, got %d clients", n)
	}
	if s.Ready() {
		t.Fatal("session must not be ready after disconnect")
	}
}

func TestMachine_NetworkDropReconnects(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	var scheduled atomic.Int32
	h.bus.On(bus.EventReconnectScheduled, func(bus.Event) { scheduled.Add(1) })

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)
	first := h.factory.last()
	first.emit(domain.ClientEvent{Kind: domain.EventDisconnected, Reason: "connection reset"})

	waitFor(t, "second client", func() bool { return h.factory.count() == 2 })
	waitStatus(t, s, domain.StatusReady)
	if _, _, destroyed := first.counts(); destroyed == 0 {
		t.Fatal("expected the dropped client to be destroyed")
	}
	if n := scheduled.Load(); n != 1 {
		t.Fatalf("expected 1 reconnect scheduled, got %d", n)
	}
}

func TestMachine_PersistentReconnectsAfterLogout(t *testing.T) {
	h := newHarness(t, true)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)
	h.factory.last().emit(domain.ClientEvent{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout})

	waitFor(t, "reconnect", func() bool { return h.factory.count() == 2 })
}

func TestMachine_MaxAttemptsIsTerminalUntilReset(t *testing.T) {
	h := newHarness(t, false)
	h.factory.err = errors.New("browser unavailable")
	s := h.registry.GetOrCreate("1")

	var exhausted atomic.Int32
	h.bus.On(bus.EventSessionExhausted, func(bus.Event) { exhausted.Add(1) })

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusMaxAttemptsReached)
	if n := exhausted.Load(); n != 1 {
		t.Fatalf("expected 1 exhausted event, got %d", n)
	}

	h.factory.mu.Lock()
	h.factory.err = nil
	h.factory.onNew = autoReady
	h.factory.mu.Unlock()

	h.machine.Initialize(s)
	if got := s.Status(); got != domain.StatusMaxAttemptsReached {
		t.Fatalf("Initialize must be a no-op when exhausted, got %s", got)
	}
	if err := h.machine.Pair(s); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}

	h.machine.Reset(s)
	if got := s.Status(); got != domain.StatusResetting {
		t.Fatalf("expected resetting, got %s", got)
	}
	waitStatus(t, s, domain.StatusReady)
}

func TestMachine_AuthFailureRequiresReset(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = func(c *fakeClient) {
		c.events <- domain.ClientEvent{Kind: domain.EventAuthFailure, Err: errors.New("bad credentials")}
	}
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusAuthFailed)
	if s.Info().LastError != "bad credentials" {
		t.Fatalf("unexpected last error %q", s.Info().LastError)
	}
	if err := h.machine.Pair(s); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if n := h.factory.count(); n != 1 {
		t.Fatalf("auth failure must not reconnect, got %d clients", n)
	}
}

func TestMachine_QRFlow(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = func(c *fakeClient) {
		c.events <- domain.ClientEvent{Kind: domain.EventQR, QR: "pair-me"}
	}
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusQRReady)
	if s.QR() != "pair-me" {
		t.Fatalf("expected QR payload, got %q", s.QR())
	}

	h.factory.last().emit(domain.ClientEvent{Kind: domain.EventQRFailed})
	waitStatus(t, s, domain.StatusQRFailed)
	if s.QR() != "" {
		t.Fatal("QR must be cleared after failure")
	}

	if err := h.machine.Pair(s); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "new pairing client", func() bool { return h.factory.count() == 2 })
	waitStatus(t, s, domain.StatusQRReady)
}

func TestMachine_QRIgnoredOnceAuthenticated(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)

	c := h.factory.last()
	c.emit(domain.ClientEvent{Kind: domain.EventQR, QR: "late"})
	c.emit(domain.ClientEvent{Kind: domain.EventReady})
	time.Sleep(20 * time.Millisecond)

	if s.Status() != domain.StatusReady || s.QR() != "" {
		t.Fatalf("late QR must be ignored, status=%s qr=%q", s.Status(), s.QR())
	}
}

func TestMachine_StaleEventsIgnored(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)

	s.mu.Lock()
	oldGen := s.gen
	s.mu.Unlock()

	h.machine.Reset(s)
	waitFor(t, "replacement client", func() bool { return h.factory.count() == 2 })
	waitStatus(t, s, domain.StatusReady)

	h.machine.apply(s, oldGen, domain.ClientEvent{Kind: domain.EventDisconnected, Reason: "late"})
	if s.Status() != domain.StatusReady {
		t.Fatalf("stale disconnect changed status to %s", s.Status())
	}
}

func TestMachine_ResetClearsQueue(t *testing.T) {
	h := newHarness(t, false)
	s := h.registry.GetOrCreate("1")
	s.mu.Lock()
	s.queue = []domain.QueuedMessage{{ID: "a"}, {ID: "b"}}
	s.mu.Unlock()

	h.machine.Reset(s)
	if n := s.Info().QueueLength; n != 0 {
		t.Fatalf("expected empty queue after reset, got %d", n)
	}
}

func TestMachine_DisconnectPermanently(t *testing.T) {
	h := newHarness(t, true)
	h.factory.onNew = autoReady
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusReady)
	waitFor(t, "store write", func() bool { return len(h.store.Tenants()) == 1 })

	c := h.factory.last()
	h.machine.DisconnectPermanently(context.Background(), s)

	if got := s.Status(); got != domain.StatusManuallyDisconnected {
		t.Fatalf("expected manually_disconnected, got %s", got)
	}
	_, loggedOut, destroyed := c.counts()
	if loggedOut != 1 || destroyed == 0 {
		t.Fatalf("expected logout and destroy, got logout=%d destroy=%d", loggedOut, destroyed)
	}
	if ids := h.store.Tenants(); len(ids) != 0 {
		t.Fatalf("expected link removed from store, got %v", ids)
	}
	info := s.Info()
	if info.Persistent || info.LastLinked != nil {
		t.Fatalf("link state not cleared: %+v", info)
	}

	time.Sleep(40 * time.Millisecond)
	if n := h.factory.count(); n != 1 {
		t.Fatalf("manual disconnect must not reconnect, got %d clients", n)
	}
}

func TestMachine_StartFailureCountsAsDisconnect(t *testing.T) {
	h := newHarness(t, false)
	h.factory.onNew = func(c *fakeClient) { c.startErr = errors.New("no route") }
	s := h.registry.GetOrCreate("1")

	h.machine.Initialize(s)
	waitStatus(t, s, domain.StatusMaxAttemptsReached)
	if n := h.factory.count(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestDefaultBackoff(t *testing.T) {
	tests := []struct {
		persistent bool
		attempts   int
		want       time.Duration
	}{
		{true, 0, 10 * time.Second},
		{true, 1, 10 * time.Second},
		{true, 3, 30 * time.Second},
		{true, 6, 60 * time.Second},
		{true, 9, 60 * time.Second},
		{false, 1, 5 * time.Second},
		{false, 4, 20 * time.Second},
		{false, 6, 30 * time.Second},
		{false, 12, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := DefaultBackoff(tt.persistent, tt.attempts); got != tt.want {
			t.Errorf("DefaultBackoff(%v, %d) = %s, want %s", tt.persistent, tt.attempts, got, tt.want)
		}
	}
}
