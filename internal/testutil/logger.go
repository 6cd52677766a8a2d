package testutil

import (
	"log/slog"
)

// DiscardLogger returns a slog.Logger that drops all output. Use it in tests
// to keep component logging quiet; log.NewNop() is the equivalent for code
// that takes the internal/log alias.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
