package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default when a path is set)
//   - "file": dependency-free file backend (json snapshot + jsonl audit)
//   - "none" or empty with no path: storage is disabled
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Queue statuses, in lifecycle order.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// QueuedPost is a deferred publish job. Media files referenced by
// Paths belong to the job until it reaches a terminal status.
type QueuedPost struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Paths     []string  `json:"paths"`
	Caption   string    `json:"caption"`
	SourceURL string    `json:"source_url,omitempty"`
	Platforms []string  `json:"platforms"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry records an operator action or a publish outcome.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	ChatID  int64
	Action  string
	Target  string
	OK      int
	Fail    int
	Error   string
	TookMS  int64
}
