// Package sink persists session snapshots so a restarted process can resume
// them. The in-memory store stays authoritative while the process runs.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"devpulse/internal/session"
)

// ErrNotFound is returned by Load when no snapshot exists for the id.
var ErrNotFound = errors.New("session snapshot not found")

// Loader reads a previously saved session.
type Loader interface {
	Load(ctx context.Context, id string) (session.Session, error)
}

// Sink stores session snapshots keyed by session id. Save replaces any
// earlier snapshot of the same session.
type Sink interface {
	Loader
	Save(ctx context.Context, s session.Session) error
	Close() error
}

// Open returns the sink for driver ("postgres" or "sqlite"). For sqlite the
// url is a file path.
func Open(ctx context.Context, driver, url string) (Sink, error) {
	switch driver {
	case "postgres":
		return NewPostgresSink(ctx, url)
	case "sqlite":
		return OpenSQLite(ctx, url)
	default:
		return nil, fmt.Errorf("open sink: unknown driver %q", driver)
	}
}

func encode(s session.Session) ([]byte, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return doc, nil
}

func decode(id string, doc []byte) (session.Session, error) {
	var s session.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return session.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}
