package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
    session_id        TEXT PRIMARY KEY,
    user_id           TEXT,
    org_id            TEXT,
    outcome           TEXT NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    last_activity_at  TIMESTAMPTZ NOT NULL,
    ended_at          TIMESTAMPTZ,
    total_cost_usd    NUMERIC(20,8) NOT NULL DEFAULT 0,
    total_tokens      BIGINT NOT NULL DEFAULT 0,
    interaction_count INT NOT NULL DEFAULT 0,
    document          JSONB NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_session_snapshots_started_at ON session_snapshots(started_at);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_outcome ON session_snapshots(outcome);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_user_id ON session_snapshots(user_id);
`

// EnsureSchema creates the session_snapshots table and indexes if they don't exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
