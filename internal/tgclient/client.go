// Package tgclient links tenants to Telegram user accounts over MTProto.
// Pairing uses Telegram's QR login: the QR payload is a tg://login URL the
// operator scans from an already signed-in phone.
package tgclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"linkgate/internal/domain"
)

const destroyTimeout = 10 * time.Second

var (
	errNotConnected = errors.New("telegram client not connected")
	errDestroyed    = errors.New("telegram client destroyed")
	errQRExpired    = errors.New("qr login window expired")
	errPassword     = errors.New("account has two-step verification enabled, QR pairing cannot complete")

	// errPairingEnded stops the run loop after a pairing outcome has
	// already been reported as an event.
	errPairingEnded = errors.New("pairing ended")
)

// Config holds the shared MTProto application credentials.
type Config struct {
	AppID      int
	AppHash    string
	SessionDir string
	QRTimeout  time.Duration
	Logger     *slog.Logger
}

// Factory builds one Client per tenant, each with its own session file.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) (*Factory, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, errors.New("telegram appId and appHash are required")
	}
	if cfg.SessionDir == "" {
		return nil, errors.New("telegram sessionDir is required")
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Factory{cfg: cfg}, nil
}

// SessionPath is where the tenant's MTProto session is stored.
func (f *Factory) SessionPath(tenantID string) string {
	return filepath.Join(f.cfg.SessionDir, tenantID+".session.json")
}

func (f *Factory) NewClient(tenantID string) (domain.Client, error) {
	if tenantID == "" || filepath.Base(tenantID) != tenantID {
		return nil, fmt.Errorf("invalid tenant id %q", tenantID)
	}
	dispatcher := tg.NewUpdateDispatcher()
	c := &Client{
		tenant:      tenantID,
		cfg:         f.cfg,
		logger:      f.cfg.Logger.With("tenant", tenantID),
		sessionPath: f.SessionPath(tenantID),
		events:      make(chan domain.ClientEvent, 8),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		peers:       make(map[string]*tg.InputPeerUser),
	}
	c.loggedIn = qrlogin.OnLoginToken(&dispatcher)
	c.tg = telegram.NewClient(f.cfg.AppID, f.cfg.AppHash, telegram.Options{
		SessionStorage: &telegram.FileSessionStorage{Path: c.sessionPath},
		UpdateHandler:  &dispatcher,
	})
	return c, nil
}

// Client is one tenant's MTProto connection.
type Client struct {
	tenant      string
	cfg         Config
	logger      *slog.Logger
	sessionPath string

	tg       *telegram.Client
	loggedIn <-chan struct{}

	events   chan domain.ClientEvent
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	api       *tg.Client
	peers     map[string]*tg.InputPeerUser
	loggedOut bool
}

func (c *Client) Events() <-chan domain.ClientEvent { return c.events }

// Start connects in the background. Progress is reported on Events.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("telegram client already started")
	}
	select {
	case <-c.stopped:
		return errDestroyed
	default:
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	err := c.tg.Run(ctx, c.session)

	c.mu.Lock()
	c.api = nil
	loggedOut := c.loggedOut
	c.mu.Unlock()

	switch {
	case errors.Is(err, errPairingEnded):
	case loggedOut:
		c.emit(domain.ClientEvent{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout})
	case ctx.Err() != nil:
		// destroyed
	case isRevoked(err):
		c.emit(domain.ClientEvent{Kind: domain.EventDisconnected, Reason: domain.ReasonLogout, Err: err})
	default:
		c.emit(domain.ClientEvent{Kind: domain.EventDisconnected, Reason: disconnectReason(err), Err: err})
	}
}

// session runs while the MTProto connection is up.
func (c *Client) session(ctx context.Context) error {
	status, err := c.tg.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		if err := c.pair(ctx); err != nil {
			return err
		}
	}
	c.emit(domain.ClientEvent{Kind: domain.EventAuthenticated})

	c.mu.Lock()
	c.api = c.tg.API()
	c.mu.Unlock()
	c.logger.Info("telegram session ready")
	c.emit(domain.ClientEvent{Kind: domain.EventReady})

	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) pair(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.QRTimeout)
	defer cancel()

	_, err := c.tg.QR().Auth(qctx, c.loggedIn, func(ctx context.Context, token qrlogin.Token) error {
		c.logger.Debug("qr login token issued", "expires", token.Expires())
		c.emit(domain.ClientEvent{Kind: domain.EventQR, QR: token.URL()})
		return nil
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case qctx.Err() != nil || tgerr.Is(err, "AUTH_TOKEN_EXPIRED", "AUTH_TOKEN_INVALID"):
		c.emit(domain.ClientEvent{Kind: domain.EventQRFailed, Err: errQRExpired})
		return errPairingEnded
	case errors.Is(err, auth.ErrPasswordAuthNeeded) || tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		c.emit(domain.ClientEvent{Kind: domain.EventAuthFailure, Err: errPassword})
		return errPairingEnded
	default:
		return fmt.Errorf("qr login: %w", err)
	}
}

// emit delivers ev unless the client is being destroyed.
func (c *Client) emit(ev domain.ClientEvent) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// Send delivers text to the account registered for the E.164 digits in
// destination.
func (c *Client) Send(ctx context.Context, destination, text string) error {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return errNotConnected
	}

	peer, err := c.resolve(ctx, api, destination)
	if err != nil {
		return ClassifyError(err)
	}
	_, err = api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return ClassifyError(fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (c *Client) resolve(ctx context.Context, api *tg.Client, destination string) (*tg.InputPeerUser, error) {
	c.mu.Lock()
	peer, ok := c.peers[destination]
	c.mu.Unlock()
	if ok {
		return peer, nil
	}

	imported, err := api.ContactsImportContacts(ctx, []tg.InputPhoneContact{{
		ClientID:  rand.Int64(),
		Phone:     "+" + destination,
		FirstName: destination,
	}})
	if err != nil {
		return nil, fmt.Errorf("import contact: %w", err)
	}
	for _, u := range imported.Users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		peer = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
		c.mu.Lock()
		c.peers[destination] = peer
		c.mu.Unlock()
		return peer, nil
	}
	return nil, fmt.Errorf("%s has no telegram account", destination)
}

// Logout terminates the authorization on Telegram's side and removes the
// local session file.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	api := c.api
	c.loggedOut = true
	c.mu.Unlock()

	var err error
	if api != nil {
		if _, lerr := api.AuthLogOut(ctx); lerr != nil {
			err = fmt.Errorf("auth logout: %w", lerr)
		}
	} else {
		err = errNotConnected
	}
	if rerr := os.Remove(c.sessionPath); rerr != nil && !os.IsNotExist(rerr) {
		err = errors.Join(err, fmt.Errorf("remove session file: %w", rerr))
	}
	return err
}

// Destroy stops the connection and waits for the run loop to exit. It is
// safe to call repeatedly and before Start.
func (c *Client) Destroy() error {
	c.stopOnce.Do(func() { close(c.stopped) })

	c.mu.Lock()
	if !c.started {
		c.started = true
		c.mu.Unlock()
		close(c.events)
		close(c.done)
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(destroyTimeout):
		return fmt.Errorf("telegram client did not stop within %s", destroyTimeout)
	}
}

// ClassifyError maps Telegram flood errors onto domain.RateLimitError.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &domain.RateLimitError{RetryAfter: d, Err: err}
	}
	if tgerr.Is(err, "PEER_FLOOD", "SLOWMODE_WAIT") {
		return &domain.RateLimitError{Err: err}
	}
	return err
}

func isRevoked(err error) bool {
	return tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED")
}

func disconnectReason(err error) string {
	if err == nil {
		return "CLOSED"
	}
	if rpc, ok := tgerr.As(err); ok {
		return rpc.Type
	}
	return "NETWORK"
}
