package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"devpulse/internal/session"
)

// PostgresSink implements Sink backed by a pgxpool connection.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the database, verifies connectivity and
// ensures the schema exists.
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

// Pool returns the underlying pgxpool.
func (s *PostgresSink) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// Save upserts the session snapshot. The summary columns mirror the JSON
// document so operators can query without unpacking it.
func (s *PostgresSink) Save(ctx context.Context, sess session.Session) error {
	doc, err := encode(sess)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO session_snapshots (
    session_id, user_id, org_id, outcome, started_at, last_activity_at, ended_at,
    total_cost_usd, total_tokens, interaction_count, document
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11::jsonb)
ON CONFLICT (session_id) DO UPDATE SET
    user_id           = EXCLUDED.user_id,
    org_id            = EXCLUDED.org_id,
    outcome           = EXCLUDED.outcome,
    last_activity_at  = GREATEST(session_snapshots.last_activity_at, EXCLUDED.last_activity_at),
    ended_at          = EXCLUDED.ended_at,
    total_cost_usd    = EXCLUDED.total_cost_usd,
    total_tokens      = EXCLUDED.total_tokens,
    interaction_count = EXCLUDED.interaction_count,
    document          = EXCLUDED.document,
    updated_at        = NOW()
`
	_, err = s.pool.Exec(ctx, q,
		sess.ID, sess.UserID, sess.OrgID, string(sess.Outcome), sess.StartedAt, sess.LastActivityAt, sess.EndedAt,
		sess.Totals.Cost.String(), sess.Totals.Tokens.Total(), len(sess.Interactions), string(doc),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Load returns the latest snapshot of the session, or ErrNotFound.
func (s *PostgresSink) Load(ctx context.Context, id string) (session.Session, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM session_snapshots WHERE session_id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Session{}, ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return decode(id, doc)
}
