package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrSessionBusy is returned by Acquire in NoWait mode when another holder
// is in flight for the same key.
var ErrSessionBusy = errors.New("session busy")

// Mode selects Acquire's behavior when the lock is already held.
type Mode int

const (
	// Wait blocks until the lock frees or the context is cancelled.
	Wait Mode = iota
	// NoWait fails immediately with ErrSessionBusy.
	NoWait
)

// Coordinator serializes backend invocations per session key.
//
// Each key owns a lock and a pending-message queue. Messages are enqueued
// before the lock is attempted, so a message arriving while another is being
// processed is never lost: the current holder picks it up on its next Drain,
// or the next acquirer batches it. Distinct keys are fully independent.
//
// All state is in-memory; safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	logger   *slog.Logger
}

type sessionEntry struct {
	sem   chan struct{}
	queue []string
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions: make(map[string]*sessionEntry),
		logger:   logger,
	}
}

// entryFor lazily creates the per-key state.
func (c *Coordinator) entryFor(key string) *sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[key]
	if !ok {
		e = &sessionEntry{sem: make(chan struct{}, 1)}
		c.sessions[key] = e
	}
	return e
}

// Enqueue appends an inbound message to the key's pending queue and reports
// the queue depth. Call it before Acquire so the message is visible to
// whichever holder drains next.
func (c *Coordinator) Enqueue(key, text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[key]
	if !ok {
		e = &sessionEntry{sem: make(chan struct{}, 1)}
		c.sessions[key] = e
	}
	e.queue = append(e.queue, text)
	return len(e.queue)
}

// Acquire takes the key's lock and returns a Lease. In Wait mode it blocks
// until the lock frees or ctx is cancelled; in NoWait mode it returns
// ErrSessionBusy immediately if the lock is held.
func (c *Coordinator) Acquire(ctx context.Context, key string, mode Mode) (*Lease, error) {
	e := c.entryFor(key)

	switch mode {
	case NoWait:
		select {
		case e.sem <- struct{}{}:
		default:
			return nil, ErrSessionBusy
		}
	default:
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &Lease{coord: c, key: key, entry: e}, nil
}

// Reset drops the key's pending queue and reports how many messages were
// discarded. It does not touch an in-flight lease; the holder finishes
// normally and simply finds an empty queue.
func (c *Coordinator) Reset(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[key]
	if !ok {
		return 0
	}
	dropped := len(e.queue)
	e.queue = nil
	if dropped > 0 {
		c.logger.Debug("session queue reset", "key", key, "dropped", dropped)
	}
	return dropped
}

// Lease is a held per-key lock. Release it exactly once, normally in a
// defer so a failing backend call can never leave the session locked.
type Lease struct {
	coord    *Coordinator
	key      string
	entry    *sessionEntry
	released atomic.Bool
}

// Key returns the session key this lease covers.
func (l *Lease) Key() string { return l.key }

// Drain atomically empties the key's pending queue and returns the messages
// in arrival order. The whole queue is taken, not just the caller's own
// message, so rapid messages collapse into one batched invocation.
func (l *Lease) Drain() []string {
	l.coord.mu.Lock()
	defer l.coord.mu.Unlock()

	msgs := l.entry.queue
	l.entry.queue = nil
	return msgs
}

// Release frees the lock. Idempotent: extra calls are no-ops, so it is safe
// both deferred and called explicitly on error paths.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	<-l.entry.sem
}
