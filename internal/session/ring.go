package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultRingCapacity bounds the per-session conversation history.
const DefaultRingCapacity = 30

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one turn in the ring buffer.
type Entry struct {
	ID        uuid.UUID
	Role      string
	Kind      string
	Content   string
	CreatedAt time.Time
}

// Ring is the persisted conversation ring buffer: the newest turns per
// session key, capacity-bounded with oldest-first eviction. Because it lives
// in the messages table it survives restart and its rows are reachable by
// hybrid search.
type Ring struct {
	db       querier
	capacity int
	logger   *slog.Logger
}

// NewRing creates a Ring. A non-positive capacity falls back to
// DefaultRingCapacity.
func NewRing(db querier, capacity int, logger *slog.Logger) (*Ring, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ring{db: db, capacity: capacity, logger: logger}, nil
}

// Append adds a turn for the key and evicts the oldest entries beyond
// capacity. The session row is created lazily on first append.
func (r *Ring) Append(ctx context.Context, key, role, kind, content string) error {
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	if content == "" {
		return fmt.Errorf("content is required")
	}
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("invalid role %q", role)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (session_key) VALUES ($1) ON CONFLICT (session_key) DO NOTHING`,
		key)
	if err != nil {
		return fmt.Errorf("ensuring session %s: %w", key, err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO messages (session_key, role, kind, content) VALUES ($1, $2, $3, $4)`,
		key, role, nullableKind(kind), content)
	if err != nil {
		return fmt.Errorf("appending to ring buffer for %s: %w", key, err)
	}

	tag, err := r.db.Exec(ctx,
		`DELETE FROM messages
		 WHERE session_key = $1
		   AND seq < (SELECT min(seq) FROM (
		       SELECT seq FROM messages WHERE session_key = $1
		       ORDER BY seq DESC LIMIT $2) keep)`,
		key, r.capacity)
	if err != nil {
		return fmt.Errorf("evicting ring buffer overflow for %s: %w", key, err)
	}
	if evicted := tag.RowsAffected(); evicted > 0 {
		r.logger.Debug("ring buffer evicted oldest entries", "key", key, "evicted", evicted)
	}
	return nil
}

// Entries returns the buffered turns for key, oldest first.
func (r *Ring) Entries(ctx context.Context, key string) ([]Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, role, COALESCE(kind, ''), content, created_at
		 FROM (
		     SELECT id, seq, role, kind, content, created_at
		     FROM messages WHERE session_key = $1
		     ORDER BY seq DESC LIMIT $2) newest
		 ORDER BY seq ASC`,
		key, r.capacity)
	if err != nil {
		return nil, fmt.Errorf("reading ring buffer for %s: %w", key, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Role, &e.Kind, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ring buffer entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ring buffer entries: %w", err)
	}
	return entries, nil
}

// FormatForPrompt renders the buffer as "role: content" lines, oldest first,
// skipping the newest excludeLastN entries. The skipped entries are the turn
// currently being assembled, which the caller includes elsewhere in the
// prompt.
func (r *Ring) FormatForPrompt(ctx context.Context, key string, excludeLastN int) (string, error) {
	entries, err := r.Entries(ctx, key)
	if err != nil {
		return "", err
	}
	if excludeLastN > 0 {
		if excludeLastN >= len(entries) {
			return "", nil
		}
		entries = entries[:len(entries)-excludeLastN]
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Clear empties the buffer for key.
func (r *Ring) Clear(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM messages WHERE session_key = $1`, key)
	if err != nil {
		return fmt.Errorf("clearing ring buffer for %s: %w", key, err)
	}
	return nil
}

func nullableKind(kind string) any {
	if kind == "" {
		return nil
	}
	return kind
}
