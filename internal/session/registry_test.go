package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
)

func TestRegistry_ResolveIsIdempotent(t *testing.T) {
	eb := bus.NewEventBus(testLogger())
	created := 0
	eb.On(bus.EventSessionCreated, func(bus.Event) { created++ })

	r := NewRegistry("firm", eb)
	a, err := r.Resolve("firm_42_one")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve("firm_42_two")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected tokens for the same tenant to share a session")
	}
	if created != 1 {
		t.Fatalf("expected 1 created event, got %d", created)
	}
	if a.Status() != domain.StatusDisconnected {
		t.Fatalf("new session should be disconnected, got %s", a.Status())
	}
}

func TestRegistry_ResolveBadToken(t *testing.T) {
	r := NewRegistry("firm", nil)
	if _, err := r.Resolve("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("bad token must not create a session")
	}
}

func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry("firm", nil)
	var wg sync.WaitGroup
	got := make([]*Session, 50)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.GetOrCreate("7")
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		if s != got[0] {
			t.Fatal("concurrent GetOrCreate returned different sessions")
		}
	}
}

func TestRegistry_TouchOnResolve(t *testing.T) {
	r := NewRegistry("firm", nil)
	s := r.GetOrCreate("1")
	before := s.Info().LastActivity

	later := before.Add(time.Minute)
	r.now = func() time.Time { return later }
	r.GetOrCreate("1")
	if !s.Info().LastActivity.Equal(later) {
		t.Fatal("expected lastActivity to be refreshed")
	}
}

func TestRegistry_AdoptAndRemove(t *testing.T) {
	r := NewRegistry("firm", nil)
	linked := time.Now().Add(-time.Hour)
	s := r.Adopt(domain.LinkRecord{TenantID: "9", Persistent: true, LastLinked: &linked})
	info := s.Info()
	if !info.Persistent || info.LastLinked == nil || !info.LastLinked.Equal(linked) {
		t.Fatalf("adopted session lost link state: %+v", info)
	}

	other := newSession("9", time.Now())
	if r.Remove("9", other) {
		t.Fatal("Remove must ignore a session that is no longer registered")
	}
	if !r.Remove("9", s) {
		t.Fatal("expected Remove to delete the registered session")
	}
	if _, ok := r.Lookup("9"); ok {
		t.Fatal("session still registered")
	}
}
