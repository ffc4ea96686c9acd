package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.queue.json  (full snapshot, rewritten on every mutation)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
//
// The queue is small (tens of posts), so a full rewrite per mutation
// keeps recovery trivial: the snapshot is always a complete queue.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	queuePath string
	queue     map[string]QueuedPost

	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	queuePath := prefix + ".queue.json"
	auditPath := prefix + ".audit.jsonl"

	queue := map[string]QueuedPost{}
	if err := loadQueueSnapshot(queuePath, queue); err != nil && !os.IsNotExist(err) {
		log.Warn("queue snapshot unreadable, starting empty",
			logx.Err(err), logx.String("path", queuePath))
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		queuePath: queuePath,
		queue:     queue,
		auditFile: af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) SaveQueued(ctx context.Context, p QueuedPost) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.queue[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.queue[p.ID] = p
	return s.writeSnapshotLocked()
}

func (s *fileStore) ListQueued(ctx context.Context, status string) ([]QueuedPost, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueuedPost
	for _, p := range s.queue {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fileStore) UpdateQueuedStatus(ctx context.Context, id, status, errMsg string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.Error = errMsg
	p.UpdatedAt = time.Now()
	s.queue[id] = p
	return s.writeSnapshotLocked()
}

func (s *fileStore) DeleteQueued(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[id]; !ok {
		return ErrNotFound
	}
	delete(s.queue, id)
	return s.writeSnapshotLocked()
}

func (s *fileStore) ClearQueued(ctx context.Context, status string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.queue {
		if status == "" || p.Status == status {
			delete(s.queue, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.writeSnapshotLocked()
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) writeSnapshotLocked() error {
	tmp := s.queuePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.queue); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.queuePath)
}

func loadQueueSnapshot(path string, out map[string]QueuedPost) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]QueuedPost
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
