package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
	"linkgate/internal/store"
)

type sentMessage struct {
	To   string
	Text string
}

// fakeClient is a scripted domain.Client. Tests push lifecycle events
// with emit and observe sends through sent.
type fakeClient struct {
	tenant string
	events chan domain.ClientEvent

	mu        sync.Mutex
	sent      []sentMessage
	sendFn    func(to, text string) error
	started   int
	loggedOut int
	destroyed int
	startErr  error
	closeOnce sync.Once
}

func newFakeClient(tenant string) *fakeClient {
	return &fakeClient{tenant: tenant, events: make(chan domain.ClientEvent, 16)}
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeClient) Events() <-chan domain.ClientEvent { return f.events }

func (f *fakeClient) Send(ctx context.Context, to, text string) error {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(to, text); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.loggedOut++
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Destroy() error {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeClient) emit(ev domain.ClientEvent) {
	f.events <- ev
}

func (f *fakeClient) setSend(fn func(to, text string) error) {
	f.mu.Lock()
	f.sendFn = fn
	f.mu.Unlock()
}

func (f *fakeClient) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeClient) counts() (started, loggedOut, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.loggedOut, f.destroyed
}

// fakeFactory records every client it builds.
type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	err     error
	// onNew runs before the client is returned; use it to pre-load events.
	onNew func(*fakeClient)
}

func (f *fakeFactory) NewClient(tenant string) (domain.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeClient(tenant)
	if f.onNew != nil {
		f.onNew(c)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

func autoReady(c *fakeClient) {
	c.events <- domain.ClientEvent{Kind: domain.EventAuthenticated}
	c.events <- domain.ClientEvent{Kind: domain.EventReady}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	registry *Registry
	machine  *Machine
	factory  *fakeFactory
	store    *store.MemoryStore
	bus      *bus.EventBus
}

func newHarness(t *testing.T, persist bool) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		store:   store.NewMemoryStore(),
		bus:     bus.NewEventBus(testLogger()),
	}
	h.registry = NewRegistry("firm", h.bus)
	h.machine = NewMachine(MachineConfig{
		Factory:              h.factory,
		Store:                h.store,
		Bus:                  h.bus,
		Logger:               testLogger(),
		MaxReconnectAttempts: 3,
		PersistLinks:         persist,
		ResetDelay:           10 * time.Millisecond,
		Backoff:              func(bool, int) time.Duration { return 10 * time.Millisecond },
	}, h.registry)
	t.Cleanup(h.machine.Shutdown)
	return h
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, s *Session, want domain.Status) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool { return s.Status() == want })
}
