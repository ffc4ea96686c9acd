package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveQueued(ctx context.Context, p QueuedPost) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	paths, err := json.Marshal(p.Paths)
	if err != nil {
		return err
	}
	platforms, err := json.Marshal(p.Platforms)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queued_posts(id, kind, paths, caption, source_url, platforms, status, error, due_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, paths=excluded.paths, caption=excluded.caption,
		   source_url=excluded.source_url, platforms=excluded.platforms,
		   status=excluded.status, error=excluded.error, due_at=excluded.due_at,
		   updated_at=excluded.updated_at`,
		p.ID, p.Kind, string(paths), p.Caption, nullStr(p.SourceURL), string(platforms),
		p.Status, nullStr(p.Error), p.DueAt.UnixMilli(), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListQueued(ctx context.Context, status string) ([]QueuedPost, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, kind, paths, caption, COALESCE(source_url,''), platforms, status, COALESCE(error,''), due_at, created_at, updated_at
	      FROM queued_posts`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY due_at, created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedPost
	for rows.Next() {
		var (
			p                   QueuedPost
			paths, platforms    string
			due, created, updat int64
		)
		if err := rows.Scan(&p.ID, &p.Kind, &paths, &p.Caption, &p.SourceURL,
			&platforms, &p.Status, &p.Error, &due, &created, &updat); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paths), &p.Paths); err != nil {
			return nil, fmt.Errorf("queued post %s paths: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(platforms), &p.Platforms); err != nil {
			return nil, fmt.Errorf("queued post %s platforms: %w", p.ID, err)
		}
		p.DueAt = time.UnixMilli(due)
		p.CreatedAt = time.UnixMilli(created)
		p.UpdatedAt = time.UnixMilli(updat)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateQueuedStatus(ctx context.Context, id, status, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_posts SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, nullStr(errMsg), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteQueued(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_posts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ClearQueued(ctx context.Context, status string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var (
		res sql.Result
		err error
	)
	if status == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM queued_posts`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM queued_posts WHERE status = ?`, status)
	}
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, chat_id, action, target, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.ChatID,
		e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
