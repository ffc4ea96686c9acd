package storage

import (
	"context"
	"errors"
	"strings"

	logx "postbot/pkg/logx"
)

// Store is the persistence API used by the deferred queue and the
// audit trail.
type Store interface {
	SaveQueued(ctx context.Context, p QueuedPost) error
	ListQueued(ctx context.Context, status string) ([]QueuedPost, error)
	UpdateQueuedStatus(ctx context.Context, id, status, errMsg string) error
	DeleteQueued(ctx context.Context, id string) error
	ClearQueued(ctx context.Context, status string) (int, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, nil
		}
		driver = "sqlite"
	}
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
