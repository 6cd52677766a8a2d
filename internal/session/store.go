package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store persists session identity: the backend session binding used for
// conversation resume and the last-activity timestamp.
//
// Safe for concurrent use.
type Store struct {
	db     querier
	logger *slog.Logger
}

// Info is one session row.
type Info struct {
	Key              string
	BackendSessionID string
	CreatedAt        time.Time
	LastActiveAt     time.Time
}

// NewStore creates a Store.
func NewStore(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Touch creates the session row if needed and bumps last_active_at.
func (s *Store) Touch(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (session_key) VALUES ($1)
		 ON CONFLICT (session_key) DO UPDATE SET last_active_at = now()`,
		key)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", key, err)
	}
	return nil
}

// BackendSessionID returns the bound backend session for key, or the empty
// string when the session is unknown or unbound.
func (s *Store) BackendSessionID(ctx context.Context, key string) (string, error) {
	var id *string
	err := s.db.QueryRow(ctx,
		`SELECT backend_session_id FROM sessions WHERE session_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading backend session for %s: %w", key, err)
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

// BindBackendSession stores the backend session identifier for key so the
// next invocation can resume the conversation.
func (s *Store) BindBackendSession(ctx context.Context, key, backendID string) error {
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (session_key, backend_session_id) VALUES ($1, $2)
		 ON CONFLICT (session_key) DO UPDATE
		 SET backend_session_id = EXCLUDED.backend_session_id, last_active_at = now()`,
		key, nullableKind(backendID))
	if err != nil {
		return fmt.Errorf("binding backend session for %s: %w", key, err)
	}
	return nil
}

// Reset clears the backend session binding for key. The ring buffer and
// pending queue are cleared separately by the caller.
func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET backend_session_id = NULL, last_active_at = now()
		 WHERE session_key = $1`,
		key)
	if err != nil {
		return fmt.Errorf("resetting session %s: %w", key, err)
	}
	return nil
}

// Sessions lists all known sessions, most recently active first.
func (s *Store) Sessions(ctx context.Context) ([]Info, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_key, COALESCE(backend_session_id, ''), created_at, last_active_at
		 FROM sessions ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.Key, &info.BackendSessionID, &info.CreatedAt, &info.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading session rows: %w", err)
	}
	return infos, nil
}
