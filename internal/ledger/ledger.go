// Package ledger tracks cumulative usage counters for a running process.
//
// Counters are monotonically increasing and safe for concurrent use; they
// exist for operational visibility, not billing-grade accounting.
package ledger

import (
	"log/slog"
	"sync/atomic"
)

// Ledger accumulates usage counts across the process lifetime.
type Ledger struct {
	embedCalls    atomic.Int64
	embedFailures atomic.Int64
	embedChars    atomic.Int64
	searchCalls   atomic.Int64
	backendCalls  atomic.Int64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	EmbedCalls    int64 `json:"embed_calls"`
	EmbedFailures int64 `json:"embed_failures"`
	EmbedChars    int64 `json:"embed_chars"`
	SearchCalls   int64 `json:"search_calls"`
	BackendCalls  int64 `json:"backend_calls"`
}

// New returns a zeroed ledger.
func New() *Ledger {
	return &Ledger{}
}

// RecordEmbed counts one embedding call over chars characters of input.
func (l *Ledger) RecordEmbed(chars int) {
	l.embedCalls.Add(1)
	l.embedChars.Add(int64(chars))
}

// RecordEmbedFailure counts one failed embedding call.
func (l *Ledger) RecordEmbedFailure() {
	l.embedFailures.Add(1)
}

// RecordSearch counts one hybrid search invocation.
func (l *Ledger) RecordSearch() {
	l.searchCalls.Add(1)
}

// RecordBackendCall counts one call to the reply backend.
func (l *Ledger) RecordBackendCall() {
	l.backendCalls.Add(1)
}

// Snapshot returns a consistent-enough copy of the counters. Individual
// loads are atomic; the set as a whole is not taken under a lock.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		EmbedCalls:    l.embedCalls.Load(),
		EmbedFailures: l.embedFailures.Load(),
		EmbedChars:    l.embedChars.Load(),
		SearchCalls:   l.searchCalls.Load(),
		BackendCalls:  l.backendCalls.Load(),
	}
}

// LogSummary emits the current counters at info level.
func (l *Ledger) LogSummary(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s := l.Snapshot()
	logger.Info("usage summary",
		"embed_calls", s.EmbedCalls,
		"embed_failures", s.EmbedFailures,
		"embed_chars", s.EmbedChars,
		"search_calls", s.SearchCalls,
		"backend_calls", s.BackendCalls,
	)
}
