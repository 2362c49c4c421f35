package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/karin0/bili-live-bot/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  at TEXT NOT NULL,
  request_id TEXT,
  actor_id INTEGER NOT NULL,
  actor_username TEXT,
  chat_id INTEGER NOT NULL,
  action TEXT NOT NULL,
  target TEXT,
  ok INTEGER NOT NULL,
  err TEXT,
  took_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS audit_chat_at ON audit(chat_id, at);
CREATE TABLE IF NOT EXISTS room_alias (
  id INTEGER PRIMARY KEY,
  canonical INTEGER NOT NULL,
  at INTEGER NOT NULL
);`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	ttl time.Duration

	writes     atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &sqliteStore{db: db, log: log, ttl: cfg.AliasTTL, pruneEvery: 256}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, request_id, actor_id, actor_username, chat_id, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.RequestID), e.ActorID, nullStr(e.ActorUsername),
		e.ChatID, e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), e.TookMS,
	)
	return errors.Wrap(err, "insert audit")
}

func (s *sqliteStore) PutRoomAlias(ctx context.Context, id, canonical int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_alias(id, canonical, at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET canonical=excluded.canonical, at=excluded.at`,
		id, canonical, time.Now().UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "upsert alias")
	}
	if s.writes.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if err := s.pruneExpired(pctx); err != nil {
			s.log.Debug("alias prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) GetRoomAlias(ctx context.Context, id int64) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, ErrDisabled
	}
	var canonical, at int64
	err := s.db.QueryRowContext(ctx, `SELECT canonical, at FROM room_alias WHERE id = ?`, id).Scan(&canonical, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "select alias")
	}
	if time.Since(time.UnixMilli(at)) > s.ttl {
		return 0, false, nil
	}
	return canonical, true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-s.ttl).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_alias WHERE at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
