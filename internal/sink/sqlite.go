package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"devpulse/internal/session"
)

// SQLiteSink implements Sink on a local SQLite file.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: creating DB dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sink: opening DB: %w", err)
	}
	// one writer; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init applies pragmas and creates the schema.
func (s *SQLiteSink) Init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			session_id TEXT PRIMARY KEY,
			user_id TEXT,
			org_id TEXT,
			outcome TEXT NOT NULL,
			started_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			ended_at TEXT,
			total_cost_usd TEXT NOT NULL,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			interaction_count INTEGER NOT NULL DEFAULT 0,
			document TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_snapshots_started_at ON session_snapshots(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_session_snapshots_outcome ON session_snapshots(outcome);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sink: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Save upserts the session snapshot.
func (s *SQLiteSink) Save(ctx context.Context, sess session.Session) error {
	doc, err := encode(sess)
	if err != nil {
		return err
	}
	var ended sql.NullString
	if sess.EndedAt != nil {
		ended = sql.NullString{String: formatTime(*sess.EndedAt), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (
			session_id, user_id, org_id, outcome, started_at, last_activity_at, ended_at,
			total_cost_usd, total_tokens, interaction_count, document, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			org_id = excluded.org_id,
			outcome = excluded.outcome,
			last_activity_at = excluded.last_activity_at,
			ended_at = excluded.ended_at,
			total_cost_usd = excluded.total_cost_usd,
			total_tokens = excluded.total_tokens,
			interaction_count = excluded.interaction_count,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		sess.ID, sess.UserID, sess.OrgID, string(sess.Outcome),
		formatTime(sess.StartedAt), formatTime(sess.LastActivityAt), ended,
		sess.Totals.Cost.String(), sess.Totals.Tokens.Total(), len(sess.Interactions),
		string(doc), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load returns the latest snapshot of the session, or ErrNotFound.
func (s *SQLiteSink) Load(ctx context.Context, id string) (session.Session, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM session_snapshots WHERE session_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return decode(id, []byte(doc))
}
