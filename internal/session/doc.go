// Package session coordinates per-conversation concurrency and history.
//
// Three pieces work together:
//
//   - [Coordinator] serializes backend invocations per session key. Every
//     inbound message is queued before the lock is attempted, and the holder
//     drains the whole queue, so rapid messages collapse into one batched
//     invocation instead of racing.
//   - [Ring] is the persisted conversation ring buffer: the newest turns per
//     session key, capacity-bounded, surviving restart.
//   - [Store] persists the session row itself (backend session binding and
//     activity timestamp).
//
// # Concurrency
//
// Lock and queue state are in-memory and process-local; persistence covers
// history and session identity only. At most one lease per key is
// outstanding at any time, while distinct keys proceed in parallel.
package session
