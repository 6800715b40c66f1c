package domain

import "time"

// Status is the lifecycle state of a tenant session.
type Status string

const (
	StatusDisconnected         Status = "disconnected"
	StatusInitializing         Status = "initializing"
	StatusQRReady              Status = "qr_ready"
	StatusQRFailed             Status = "qr_failed"
	StatusAuthenticated        Status = "authenticated"
	StatusReady                Status = "ready"
	StatusAuthFailed           Status = "auth_failed"
	StatusResetting            Status = "resetting"
	StatusManuallyDisconnected Status = "manually_disconnected"
	StatusMaxAttemptsReached   Status = "max_attempts_reached"
)

// HasClient reports whether a session in this status may own a client.
func (s Status) HasClient() bool {
	switch s {
	case StatusInitializing, StatusQRReady, StatusAuthenticated, StatusReady:
		return true
	}
	return false
}

// Terminal reports whether the status blocks automatic (re)initialization
// until an explicit reset.
func (s Status) Terminal() bool {
	return s == StatusAuthFailed || s == StatusMaxAttemptsReached
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	TenantID          string     `json:"tenant_id"`
	Status            Status     `json:"status"`
	Ready             bool       `json:"ready"`
	Persistent        bool       `json:"persistent"`
	QRAvailable       bool       `json:"qr_available"`
	QueueLength       int        `json:"queue_length"`
	Processing        bool       `json:"processing"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	LastActivity      time.Time  `json:"last_activity"`
	CreatedAt         time.Time  `json:"created_at"`
	LastLinked        *time.Time `json:"last_linked,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

// LinkRecord is the durable projection of a persistent session.
type LinkRecord struct {
	TenantID   string     `json:"tenant_id"`
	Persistent bool       `json:"persistent"`
	LastLinked *time.Time `json:"last_linked,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     Status     `json:"status"`
}
