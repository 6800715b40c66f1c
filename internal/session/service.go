package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"linkgate/internal/bus"
	"linkgate/internal/domain"
)

// Options wires a Service.
type Options struct {
	TokenPrefix          string
	PersistLinks         bool
	MaxReconnectAttempts int
	SessionTimeout       time.Duration
	ResetDelay           time.Duration
	QRWait               time.Duration // how long RequestQR waits for a payload

	HeartbeatInterval time.Duration
	ReaperInterval    time.Duration
	SaveInterval      time.Duration
	DrainInterval     time.Duration

	Dispatch DispatcherConfig
	Backoff  BackoffFunc

	Factory domain.ClientFactory
	Store   domain.LinkStore
	Bus     *bus.EventBus
	Logger  *slog.Logger
}

// Service owns the registry, state machine, dispatcher and reaper, and
// runs their periodic jobs.
type Service struct {
	opts       Options
	registry   *Registry
	machine    *Machine
	dispatcher *Dispatcher
	reaper     *Reaper
	cron       *cron.Cron
	logger     *slog.Logger
	started    time.Time
}

func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TokenPrefix == "" {
		opts.TokenPrefix = "firm"
	}
	logger := opts.Logger

	registry := NewRegistry(opts.TokenPrefix, opts.Bus)

	dcfg := opts.Dispatch
	dcfg.Bus = opts.Bus
	dcfg.Logger = logger.With("component", "dispatcher")
	dispatcher := NewDispatcher(dcfg, registry)

	machine := NewMachine(MachineConfig{
		Factory:              opts.Factory,
		Store:                opts.Store,
		Bus:                  opts.Bus,
		Logger:               logger.With("component", "session"),
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		PersistLinks:         opts.PersistLinks,
		ResetDelay:           opts.ResetDelay,
		Backoff:              opts.Backoff,
		OnReady:              dispatcher.Kick,
	}, registry)

	reaper := NewReaper(registry, machine, opts.SessionTimeout, opts.Bus, logger.With("component", "reaper"))

	cl := cronLogger{logger.With("component", "cron")}
	return &Service{
		opts:       opts,
		registry:   registry,
		machine:    machine,
		dispatcher: dispatcher,
		reaper:     reaper,
		cron:       cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:     logger,
		started:    time.Now(),
	}
}

func (s *Service) Registry() *Registry { return s.registry }
func (s *Service) Machine() *Machine { return s.machine }
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Service) Reaper() *Reaper { return s.reaper }
func (s *Service) Uptime() time.Duration { return time.Since(s.started) }
func (s *Service) TokenPrefix() string { return s.registry.TokenPrefix() }
func (s *Service) PersistLinks() bool { return s.opts.PersistLinks }

// Start restores persisted links and schedules the periodic jobs. It does
// not block.
func (s *Service) Start(ctx context.Context) error {
	restored := s.restore(ctx)

	jobs := []struct {
		name  string
		every time.Duration
		fn    func()
	}{
		{"heartbeat", s.opts.HeartbeatInterval, func() { s.reaper.Heartbeat() }},
		{"reaper", s.opts.ReaperInterval, func() { s.reaper.Sweep() }},
		{"drain", s.opts.DrainInterval, func() { s.dispatcher.DrainAll() }},
		{"save", s.opts.SaveInterval, func() { s.machine.SaveAll(context.Background()) }},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		if _, err := s.cron.AddFunc("@every "+j.every.String(), j.fn); err != nil {
			return fmt.Errorf("schedule %s job: %w", j.name, err)
		}
	}
	s.cron.Start()

	s.logger.Info("session service started", "restored", restored, "persist_links", s.opts.PersistLinks)
	return nil
}

// restore re-creates and reconnects every persisted link. A store that
// cannot be read counts as empty.
func (s *Service) restore(ctx context.Context) int {
	if s.opts.Store == nil || !s.opts.PersistLinks {
		return 0
	}
	records, err := s.opts.Store.Load(ctx)
	if err != nil {
		s.logger.Warn("loading linked sessions failed, starting empty", "err", err)
		return 0
	}

	tenants := make([]string, 0, len(records))
	for id, rec := range records {
		if rec.Persistent && ValidTenantID(id) {
			tenants = append(tenants, id)
		}
	}
	sort.Strings(tenants)

	for _, id := range tenants {
		sess := s.registry.Adopt(records[id])
		s.machine.Initialize(sess)
	}
	return len(tenants)
}

// Shutdown stops the jobs, flushes link state and releases every client.
func (s *Service) Shutdown(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	s.dispatcher.Stop()
	s.machine.SaveAll(ctx)
	s.machine.Shutdown()

	if s.opts.Store != nil {
		if err := s.opts.Store.Close(); err != nil {
			return fmt.Errorf("close link store: %w", err)
		}
	}
	s.logger.Info("session service stopped")
	return nil
}

// Resolve maps a session token to its session.
func (s *Service) Resolve(token string) (*Session, error) {
	return s.registry.Resolve(token)
}

// Sessions returns a snapshot of every registered session.
func (s *Service) Sessions() []domain.SessionInfo {
	list := s.registry.List()
	out := make([]domain.SessionInfo, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.Info())
	}
	return out
}

// Status returns a snapshot of one session.
func (s *Service) Status(sess *Session) domain.SessionInfo {
	return sess.Info()
}

// recentEventsWindow bounds how far back RecentEvents looks.
const recentEventsWindow = time.Hour

// RecentEvents returns the lifecycle events of sess from the last hour,
// oldest first, limited to the bus history.
func (s *Service) RecentEvents(sess *Session) []bus.Event {
	return s.opts.Bus.Replay("*", sess.tenantID, time.Now().Add(-recentEventsWindow))
}

// QRResult is the outcome of a pairing request.
type QRResult struct {
	Status domain.Status
	QR     string
	Reason string
}

// RequestQR starts pairing when no client is running and waits up to
// QRWait for a pairing payload.
func (s *Service) RequestQR(ctx context.Context, sess *Session) (QRResult, error) {
	if err := s.machine.Pair(sess); err != nil {
		return QRResult{Status: sess.Status(), Reason: err.Error()}, err
	}

	deadline := time.Now().Add(s.opts.QRWait)
	for {
		info := sess.Info()
		switch {
		case info.Ready:
			return QRResult{Status: info.Status, Reason: "already connected"}, nil
		case info.QRAvailable:
			return QRResult{Status: info.Status, QR: sess.QR()}, nil
		case info.Status == domain.StatusAuthFailed:
			return QRResult{Status: info.Status, Reason: ErrAuthFailed.Error()}, ErrAuthFailed
		case info.Status == domain.StatusMaxAttemptsReached:
			return QRResult{Status: info.Status, Reason: ErrAttemptsExhausted.Error()}, ErrAttemptsExhausted
		}
		if !time.Now().Before(deadline) || !sleepCtx(ctx, 100*time.Millisecond) {
			return QRResult{Status: info.Status, Reason: pendingReason(info.Status)}, nil
		}
	}
}

func pendingReason(st domain.Status) string {
	switch st {
	case domain.StatusAuthenticated:
		return "authenticated, waiting for the client to become ready"
	case domain.StatusQRFailed:
		return "pairing window expired, request a new QR"
	default:
		return "QR code not generated yet, retry shortly"
	}
}

// Reset destroys and re-initializes the session client.
func (s *Service) Reset(sess *Session) {
	s.machine.Reset(sess)
}

// Disconnect unlinks the device and forgets the persistent link.
func (s *Service) Disconnect(ctx context.Context, sess *Session) {
	s.machine.DisconnectPermanently(ctx, sess)
}

// Enqueue queues msgs for a ready session.
func (s *Service) Enqueue(sess *Session, msgs []domain.QueuedMessage) ([]string, error) {
	if !sess.Ready() {
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, sess.Status())
	}
	return s.dispatcher.EnqueueAll(sess, msgs), nil
}

func (s *Service) Queue(sess *Session) []domain.QueuedMessage {
	return s.dispatcher.Queue(sess)
}

func (s *Service) ClearQueue(sess *Session) int {
	return s.dispatcher.Clear(sess)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
