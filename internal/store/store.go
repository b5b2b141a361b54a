// Package store defines the persistence interface for the vehicle daemon.
// All implementations (SQLite today, others later) satisfy the Store
// interface, allowing the daemon to swap backends without changing
// business logic.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface for enrolled controllers, enrollment
// codes and the security audit log. Implementations must be safe for
// concurrent use.
type Store interface {
	// Controller management (enrolled remote controllers).
	CreateController(ctx context.Context, c *ControllerRecord) error
	GetController(ctx context.Context, id string) (*ControllerRecord, error)
	UpdateControllerSeen(ctx context.Context, id string, t time.Time) error
	ListControllers(ctx context.Context) ([]*ControllerRecord, error)
	DeleteController(ctx context.Context, id string) error

	// Enrollment codes.
	CreateEnrollmentCode(ctx context.Context, code *EnrollmentCode) error
	ConsumeEnrollmentCode(ctx context.Context, codeHash string, usedBy string) (*EnrollmentCode, error)
	ListEnrollmentCodes(ctx context.Context) ([]*EnrollmentCode, error)
	DeleteEnrollmentCode(ctx context.Context, id string) error

	// Security audit log, append-only. Read by the external monitoring
	// collaborator.
	AppendSecurityEvent(ctx context.Context, ev *SecurityEvent) error
	ListSecurityEvents(ctx context.Context, limit int) ([]*SecurityEvent, error)

	// Close releases database resources.
	Close() error
}

// ControllerRecord is the persistent record for an enrolled controller.
type ControllerRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CertFingerprint string    `json:"-"`
	EnrolledAt      time.Time `json:"enrolled_at"`
	LastSeen        time.Time `json:"last_seen"`
}

// EnrollmentCode authorises a single controller enrollment.
type EnrollmentCode struct {
	ID        string     `json:"id"`
	CodeHash  string     `json:"-"`
	Type      string     `json:"type"`  // "attended" or "unattended"
	Label     string     `json:"label"` // human-readable description
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

// SecurityEvent is one entry in the audit log: a certificate rejection,
// failed authentication, bad signature, replay, or unauthorized command.
type SecurityEvent struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	ClientID   string    `json:"client_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
}
