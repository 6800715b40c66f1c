package tgclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"linkgate/internal/domain"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(Config{AppID: 1, AppHash: "hash", SessionDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestNewFactory_Validation(t *testing.T) {
	if _, err := NewFactory(Config{AppHash: "x", SessionDir: t.TempDir()}); err == nil {
		t.Fatal("expected error without appId")
	}
	if _, err := NewFactory(Config{AppID: 1, AppHash: "x"}); err == nil {
		t.Fatal("expected error without sessionDir")
	}
}

func TestFactory_RejectsPathTenant(t *testing.T) {
	f := newTestFactory(t)
	for _, id := range []string{"", "../x", "a/b"} {
		if _, err := f.NewClient(id); err == nil {
			t.Errorf("expected NewClient(%q) to fail", id)
		}
	}
}

func TestClient_DestroyBeforeStart(t *testing.T) {
	f := newTestFactory(t)
	c, err := f.NewClient("42")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatal("expected events channel to be closed")
	}
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start after Destroy must fail")
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	f := newTestFactory(t)
	c, _ := f.NewClient("42")
	defer c.Destroy()

	if err := c.Send(context.Background(), "919876543210", "hi"); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	flood := ClassifyError(fmt.Errorf("send message: %w", tgerr.New(420, "FLOOD_WAIT_30")))
	var rl *domain.RateLimitError
	if !errors.As(flood, &rl) {
		t.Fatalf("expected RateLimitError, got %T", flood)
	}
	if rl.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s retry, got %s", rl.RetryAfter)
	}
	if !errors.Is(flood, domain.ErrRateLimited) {
		t.Fatal("flood wait should match ErrRateLimited")
	}

	if !errors.Is(ClassifyError(tgerr.New(400, "PEER_FLOOD")), domain.ErrRateLimited) {
		t.Fatal("PEER_FLOOD should be rate limited")
	}

	other := tgerr.New(400, "PHONE_NUMBER_INVALID")
	if errors.Is(ClassifyError(other), domain.ErrRateLimited) {
		t.Fatal("invalid number must not be treated as rate limiting")
	}
	if ClassifyError(nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestDisconnectReason(t *testing.T) {
	if got := disconnectReason(tgerr.New(401, "AUTH_KEY_UNREGISTERED")); got != "AUTH_KEY_UNREGISTERED" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := disconnectReason(errors.New("dial tcp: timeout")); got != "NETWORK" {
		t.Fatalf("unexpected reason %q", got)
	}
	if !isRevoked(tgerr.New(401, "SESSION_REVOKED")) {
		t.Fatal("SESSION_REVOKED should count as a logout")
	}
}
