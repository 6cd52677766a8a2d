package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/okikawa/relay/internal/cache"
	"github.com/okikawa/relay/internal/ledger"
	"github.com/okikawa/relay/internal/search"
	"github.com/okikawa/relay/internal/session"
)

// DefaultBackendTimeout bounds a single backend invocation.
const DefaultBackendTimeout = 5 * time.Minute

// searchContextTTL is how long a rendered search-context block stays cached.
// Rapid follow-up messages with identical batched text reuse it instead of
// re-running the search.
const searchContextTTL = time.Minute

// ErrNoPendingMessages is returned when the lock is acquired but another
// invocation already drained this caller's message into its own batch.
var ErrNoPendingMessages = errors.New("no pending messages")

// Config assembles a Relay.
type Config struct {
	Runner      Runner
	Coordinator *session.Coordinator
	Ring        *session.Ring
	Store       *session.Store
	Engine      *search.Engine // optional: nil disables search context
	Ledger      *ledger.Ledger // optional
	Timeout     time.Duration
	Retry       RetryConfig
	Logger      *slog.Logger
}

// Relay drives the message data flow: enqueue, lock, drain, gather context,
// invoke backend, persist.
//
// Safe for concurrent use; per-session ordering is enforced by the
// coordinator.
type Relay struct {
	runner      Runner
	coord       *session.Coordinator
	ring        *session.Ring
	store       *session.Store
	engine      *search.Engine
	ledger      *ledger.Ledger
	searchCache *cache.Cache[string]
	timeout     time.Duration
	retry       RetryConfig
	logger      *slog.Logger
}

// New creates a Relay from cfg.
func New(cfg Config) (*Relay, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Ring == nil {
		return nil, fmt.Errorf("ring buffer is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBackendTimeout
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Relay{
		runner:      cfg.Runner,
		coord:       cfg.Coordinator,
		ring:        cfg.Ring,
		store:       cfg.Store,
		engine:      cfg.Engine,
		ledger:      cfg.Ledger,
		searchCache: cache.New[string](searchContextTTL),
		timeout:     cfg.Timeout,
		retry:       cfg.Retry,
		logger:      cfg.Logger,
	}, nil
}

// HandleMessage processes one inbound message for a session key and returns
// the assistant reply.
//
// The message is enqueued before the lock is attempted, so it is never lost:
// if another invocation holds the lock and drains the queue first, this call
// returns ErrNoPendingMessages and the reply to the batched invocation covers
// this message too. Messages that accumulated while waiting are drained into
// a single batched backend call.
func (r *Relay) HandleMessage(ctx context.Context, key, text string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("session key is required")
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("message text is required")
	}

	depth := r.coord.Enqueue(key, text)
	if depth > 1 {
		r.logger.Debug("message queued behind in-flight invocation", "key", key, "depth", depth)
	}

	lease, err := r.coord.Acquire(ctx, key, session.Wait)
	if err != nil {
		return "", fmt.Errorf("acquiring session lock for %s: %w", key, err)
	}
	defer lease.Release()

	msgs := lease.Drain()
	if len(msgs) == 0 {
		return "", ErrNoPendingMessages
	}
	batch := strings.Join(msgs, "\n")

	// Search before the user turns are persisted so the current message
	// cannot retrieve itself into its own context.
	searchContext := r.searchContext(ctx, batch)

	// Record the user turns before the backend call so history is durable
	// even if the backend fails; the prompt history below excludes them.
	for _, msg := range msgs {
		if err := r.ring.Append(ctx, key, session.RoleUser, "", msg); err != nil {
			return "", fmt.Errorf("recording user turn: %w", err)
		}
	}

	history, err := r.ring.FormatForPrompt(ctx, key, len(msgs))
	if err != nil {
		r.logger.Warn("loading conversation history failed, continuing without it",
			"key", key, "error", err)
		history = ""
	}

	backendID, err := r.store.BackendSessionID(ctx, key)
	if err != nil {
		r.logger.Warn("loading backend session failed, starting fresh",
			"key", key, "error", err)
		backendID = ""
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.runWithRetry(runCtx, Request{
		Prompt:    assemblePrompt(history, searchContext, batch),
		Resume:    backendID != "",
		SessionID: backendID,
		Timeout:   r.timeout,
	})
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return "", err
	}

	if err := r.ring.Append(ctx, key, session.RoleAssistant, "", resp.Text); err != nil {
		r.logger.Warn("recording assistant turn failed", "key", key, "error", err)
	}
	if err := r.store.BindBackendSession(ctx, key, resp.SessionID); err != nil {
		r.logger.Warn("binding backend session failed", "key", key, "error", err)
	}

	return resp.Text, nil
}

// ResetSession drops the pending queue, empties the ring buffer, and clears
// the backend session binding for key.
func (r *Relay) ResetSession(ctx context.Context, key string) error {
	dropped := r.coord.Reset(key)
	if dropped > 0 {
		r.logger.Info("dropped pending messages on reset", "key", key, "dropped", dropped)
	}
	if err := r.ring.Clear(ctx, key); err != nil {
		return err
	}
	return r.store.Reset(ctx, key)
}

// searchContext renders relevant retrieved content for the prompt. Search
// failures degrade to an empty context: a reply without retrieval still
// beats no reply.
func (r *Relay) searchContext(ctx context.Context, query string) string {
	if r.engine == nil {
		return ""
	}
	if cached, ok := r.searchCache.Get(query); ok {
		return cached
	}

	results, err := r.engine.Search(ctx, query)
	if err != nil {
		r.logger.Warn("hybrid search failed, continuing without retrieved context",
			"error", err)
		return ""
	}

	var b strings.Builder
	for _, res := range results {
		fmt.Fprintf(&b, "[%s] %s\n", res.Source, res.Content)
	}
	rendered := b.String()
	r.searchCache.Set(query, rendered)
	return rendered
}

// assemblePrompt builds the backend prompt from its parts, omitting empty
// sections.
func assemblePrompt(history, searchContext, batch string) string {
	var b strings.Builder
	if history != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(history)
		b.WriteString("\n")
	}
	if searchContext != "" {
		b.WriteString("Relevant context:\n")
		b.WriteString(searchContext)
		b.WriteString("\n")
	}
	b.WriteString("User:\n")
	b.WriteString(batch)
	return b.String()
}
