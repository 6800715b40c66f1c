package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ClientEventKind names a lifecycle event emitted by a messaging client.
type ClientEventKind string

const (
	EventQR            ClientEventKind = "qr"
	EventQRFailed      ClientEventKind = "qr_failed"
	EventAuthenticated ClientEventKind = "authenticated"
	EventReady         ClientEventKind = "ready"
	EventAuthFailure   ClientEventKind = "auth_failure"
	EventDisconnected  ClientEventKind = "disconnected"
)

// Disconnect reasons that count as a normal end of the connection.
const (
	ReasonLogout     = "LOGOUT"
	ReasonNavigation = "NAVIGATION"
	ReasonInitFailed = "INIT_FAILED"
)

// ClientEvent is one item on a client's event stream.
type ClientEvent struct {
	Kind   ClientEventKind
	QR     string // pairing payload, EventQR only
	Reason string // EventDisconnected only
	Err    error
}

// Client is a per-tenant connection to the messaging network.
//
// Start begins connecting in the background and returns once the attempt
// is under way. Lifecycle progress is reported on Events, which is closed
// after the client has fully stopped. Destroy must be safe to call more
// than once and before Start.
type Client interface {
	Start(ctx context.Context) error
	Events() <-chan ClientEvent
	Send(ctx context.Context, destination, text string) error
	Logout(ctx context.Context) error
	Destroy() error
}

// ClientFactory builds a client bound to the tenant's credential path.
type ClientFactory interface {
	NewClient(tenantID string) (Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(tenantID string) (Client, error)

func (f ClientFactoryFunc) NewClient(tenantID string) (Client, error) { return f(tenantID) }

// ErrRateLimited marks a send failure caused by remote throttling.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the remote's suggested wait, when known.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
