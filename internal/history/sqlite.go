package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists history in a single table trimmed to limit rows.
type SQLiteStore struct {
	db    *sql.DB
	limit int
}

func OpenSQLite(path string, limit int) (*SQLiteStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// A single writer keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			role        TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	log.Info().Str("module", "history").Str("path", path).Int("limit", limit).Msg("sqlite store opened")
	return &SQLiteStore{db: db, limit: limit}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, r Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO call_history (session_id, peer_id, kind, role, outcome, reason, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.SessionID), string(r.PeerID), string(r.Kind), r.Role, r.Outcome, r.Reason,
		unixMilli(r.StartedAt), unixMilli(r.EndedAt), r.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM call_history
		WHERE id NOT IN (SELECT id FROM call_history ORDER BY id DESC LIMIT ?)`, s.limit,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, peer_id, kind, role, outcome, reason, started_at, ended_at, duration_ms
		FROM call_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                   Record
			sid, peer, kind     string
			started, ended, dur int64
		)
		if err := rows.Scan(&sid, &peer, &kind, &r.Role, &r.Outcome, &r.Reason, &started, &ended, &dur); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.SessionID = domain.SessionID(sid)
		r.PeerID = domain.UserID(peer)
		r.Kind = domain.CallKind(kind)
		r.StartedAt = fromUnixMilli(started)
		r.EndedAt = fromUnixMilli(ended)
		r.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
