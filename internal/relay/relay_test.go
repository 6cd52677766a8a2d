package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okikawa/relay/internal/embed"
	"github.com/okikawa/relay/internal/ledger"
	"github.com/okikawa/relay/internal/search"
	"github.com/okikawa/relay/internal/session"
	"github.com/okikawa/relay/internal/testutil"
)

// stubRunner is a scriptable Runner: it returns queued errors first, then
// succeeds with a canned response.
type stubRunner struct {
	mu       sync.Mutex
	requests []Request
	errs     []error
	resp     Response
	block    chan struct{} // when non-nil, Run waits for it before returning
	started  chan struct{} // closed-ish signal per Run entry, when non-nil
}

func (s *stubRunner) Run(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	started := s.started
	block := s.block
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Response{}, fmt.Errorf("%w: %v", ErrBackendTimeout, ctx.Err())
		}
	}
	if err != nil {
		return Response{}, err
	}
	return s.resp, nil
}

func (s *stubRunner) calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func newTestRelay(t *testing.T, db *testutil.TestDBContainer, runner Runner, engine *search.Engine, retry RetryConfig) (*Relay, *ledger.Ledger) {
	t.Helper()

	ring, err := session.NewRing(db.Pool, 30, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	store, err := session.NewStore(db.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	led := ledger.New()
	r, err := New(Config{
		Runner:      runner,
		Coordinator: session.NewCoordinator(testutil.DiscardLogger()),
		Ring:        ring,
		Store:       store,
		Engine:      engine,
		Ledger:      led,
		Retry:       retry,
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, led
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "backend exit", err: fmt.Errorf("run: %w", ErrBackendExit), want: true},
		{name: "timeout not retryable", err: fmt.Errorf("run: %w", ErrBackendTimeout), want: false},
		{name: "malformed not retryable", err: fmt.Errorf("run: %w", ErrMalformedOutput), want: false},
		{name: "rate limit", err: errors.New("got 429 Too Many Requests"), want: true},
		{name: "server error", err: errors.New("upstream 503 Service Unavailable"), want: true},
		{name: "connection reset", err: errors.New("read: Connection Reset by peer"), want: true},
		{name: "plain failure", err: errors.New("invalid api key"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err); got != tt.want {
				t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAssemblePrompt(t *testing.T) {
	full := assemblePrompt("user: hi\n", "[documents] note\n", "what's next")
	for _, want := range []string{"Recent conversation:", "user: hi", "Relevant context:", "[documents] note", "User:\nwhat's next"} {
		if !strings.Contains(full, want) {
			t.Errorf("assemblePrompt() missing %q:\n%s", want, full)
		}
	}

	bare := assemblePrompt("", "", "hello")
	if bare != "User:\nhello" {
		t.Errorf("assemblePrompt with empty sections = %q", bare)
	}
}

func TestHandleMessage(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	runner := &stubRunner{resp: Response{Text: "done", SessionID: "backend-1"}}
	r, led := newTestRelay(t, db, runner, nil, fastRetry())

	reply, err := r.HandleMessage(ctx, "alice:helper", "hello there")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if reply != "done" {
		t.Errorf("reply = %q, want %q", reply, "done")
	}

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(calls))
	}
	if calls[0].Resume {
		t.Error("first invocation should not resume")
	}
	if !strings.Contains(calls[0].Prompt, "User:\nhello there") {
		t.Errorf("prompt missing user section: %q", calls[0].Prompt)
	}

	// Both turns persisted.
	ring, err := session.NewRing(db.Pool, 30, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	entries, err := ring.Entries(ctx, "alice:helper")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ring entries = %d, want user + assistant", len(entries))
	}
	if entries[1].Role != session.RoleAssistant || entries[1].Content != "done" {
		t.Errorf("assistant turn = %+v", entries[1])
	}

	if got := led.Snapshot().BackendCalls; got != 1 {
		t.Errorf("ledger backend calls = %d, want 1", got)
	}

	// Second message resumes the bound backend session.
	if _, err := r.HandleMessage(ctx, "alice:helper", "and another thing"); err != nil {
		t.Fatalf("second HandleMessage() error = %v", err)
	}
	calls = runner.calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(calls))
	}
	if !calls[1].Resume || calls[1].SessionID != "backend-1" {
		t.Errorf("second call = {Resume:%v SessionID:%q}, want resume of backend-1",
			calls[1].Resume, calls[1].SessionID)
	}
	if !strings.Contains(calls[1].Prompt, "Recent conversation:") {
		t.Error("second prompt missing history section")
	}
}

func TestHandleMessageValidation(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	r, _ := newTestRelay(t, db, &stubRunner{}, nil, fastRetry())

	if _, err := r.HandleMessage(context.Background(), "", "text"); err == nil {
		t.Error("HandleMessage with empty key should fail")
	}
	if _, err := r.HandleMessage(context.Background(), "k", "  "); err == nil {
		t.Error("HandleMessage with blank text should fail")
	}
}

func TestHandleMessageRetriesTransient(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	runner := &stubRunner{
		errs: []error{errors.New("upstream 503 unavailable")},
		resp: Response{Text: "recovered", SessionID: "b1"},
	}
	r, led := newTestRelay(t, db, runner, nil, fastRetry())

	reply, err := r.HandleMessage(context.Background(), "k", "hello")
	if err != nil {
		t.Fatalf("HandleMessage() error = %v, want retry to recover", err)
	}
	if reply != "recovered" {
		t.Errorf("reply = %q, want %q", reply, "recovered")
	}
	if got := len(runner.calls()); got != 2 {
		t.Errorf("backend calls = %d, want 2 (one failure, one retry)", got)
	}
	if got := led.Snapshot().BackendCalls; got != 2 {
		t.Errorf("ledger backend calls = %d, want 2", got)
	}
}

func TestHandleMessageBackendFailure(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	runner := &stubRunner{
		errs: []error{
			fmt.Errorf("run: %w", ErrBackendExit),
			fmt.Errorf("run: %w", ErrBackendExit),
		},
		resp: Response{Text: "late success", SessionID: "b1"},
	}
	r, _ := newTestRelay(t, db, runner, nil,
		RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})

	_, err := r.HandleMessage(ctx, "k", "hello")
	if !errors.Is(err, ErrBackendExit) {
		t.Fatalf("HandleMessage() = %v, want ErrBackendExit after exhausted retries", err)
	}

	// The lock must have been released on the error path.
	reply, err := r.HandleMessage(ctx, "k", "try again")
	if err != nil {
		t.Fatalf("HandleMessage() after failure error = %v, want lock released", err)
	}
	if reply != "late success" {
		t.Errorf("reply = %q, want %q", reply, "late success")
	}
}

func TestHandleMessageTimeout(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	runner := &stubRunner{block: make(chan struct{})}
	defer close(runner.block)

	ring, err := session.NewRing(db.Pool, 30, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	store, err := session.NewStore(db.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	r, err := New(Config{
		Runner:      runner,
		Coordinator: session.NewCoordinator(testutil.DiscardLogger()),
		Ring:        ring,
		Store:       store,
		Timeout:     50 * time.Millisecond,
		Retry:       RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = r.HandleMessage(context.Background(), "k", "hello")
	if !errors.Is(err, ErrBackendTimeout) {
		t.Errorf("HandleMessage() = %v, want ErrBackendTimeout", err)
	}
}

func TestHandleMessageBatching(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	runner := &stubRunner{
		resp:    Response{Text: "ok", SessionID: "b1"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 10),
	}
	r, _ := newTestRelay(t, db, runner, nil, fastRetry())

	var wg sync.WaitGroup
	firstErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := r.HandleMessage(ctx, "k", "first")
		firstErr <- err
	}()

	// Wait until the first invocation is inside the backend call.
	<-runner.started

	// Three messages arrive while the lock is held; they must coalesce
	// into a single follow-up invocation.
	results := make(chan error, 3)
	for _, text := range []string{"second", "third", "fourth"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.HandleMessage(ctx, "k", text)
			results <- err
		}()
	}
	// Let the goroutines enqueue and block on the lock.
	time.Sleep(100 * time.Millisecond)

	// Release the in-flight backend call, then the follow-up.
	runner.block <- struct{}{}
	<-runner.started
	runner.block <- struct{}{}
	wg.Wait()

	if err := <-firstErr; err != nil {
		t.Fatalf("first HandleMessage() error = %v", err)
	}

	var succeeded, skipped int
	for range 3 {
		switch err := <-results; {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNoPendingMessages):
			skipped++
		default:
			t.Fatalf("follow-up HandleMessage() error = %v", err)
		}
	}
	if succeeded != 1 || skipped != 2 {
		t.Errorf("follow-ups: %d succeeded, %d skipped; want 1 and 2", succeeded, skipped)
	}

	calls := runner.calls()
	if len(calls) != 2 {
		t.Fatalf("backend calls = %d, want 2 (original + batched follow-up)", len(calls))
	}
	batched := calls[1].Prompt
	for _, msg := range []string{"second", "third", "fourth"} {
		if strings.Count(batched, msg) != 1 {
			t.Errorf("batched prompt should carry %q exactly once:\n%s", msg, batched)
		}
	}
}

func TestResetSession(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	runner := &stubRunner{resp: Response{Text: "ok", SessionID: "b1"}}
	r, _ := newTestRelay(t, db, runner, nil, fastRetry())

	if _, err := r.HandleMessage(ctx, "k", "remember this"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if err := r.ResetSession(ctx, "k"); err != nil {
		t.Fatalf("ResetSession() error = %v", err)
	}

	ring, err := session.NewRing(db.Pool, 30, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewRing() error = %v", err)
	}
	entries, err := ring.Entries(ctx, "k")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ring entries after reset = %d, want 0", len(entries))
	}

	store, err := session.NewStore(db.Pool, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	id, err := store.BackendSessionID(ctx, "k")
	if err != nil {
		t.Fatalf("BackendSessionID() error = %v", err)
	}
	if id != "" {
		t.Errorf("backend session after reset = %q, want empty", id)
	}

	// The next message starts a fresh backend conversation.
	if _, err := r.HandleMessage(ctx, "k", "fresh start"); err != nil {
		t.Fatalf("HandleMessage() after reset error = %v", err)
	}
	calls := runner.calls()
	if calls[len(calls)-1].Resume {
		t.Error("post-reset invocation should not resume the old session")
	}
}

func TestHandleMessageSearchContext(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	mock := testutil.NewMockEmbedder(int(embed.VectorDimension))
	embedder, err := embed.New(mock, 0, nil, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("embed.New() error = %v", err)
	}
	searchLed := ledger.New()
	engine, err := search.New(db.Pool, embedder, searchLed, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("search.New() error = %v", err)
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO documents (content_hash, content)
		 VALUES ('doc-hash-1', 'the wifi password is hunter2')`)
	if err != nil {
		t.Fatalf("inserting document: %v", err)
	}

	runner := &stubRunner{resp: Response{Text: "ok", SessionID: "b1"}}
	r, _ := newTestRelay(t, db, runner, engine, fastRetry())

	const msg = "what is the wifi password"
	if _, err := r.HandleMessage(ctx, "alice:helper", msg); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	prompt := runner.calls()[0].Prompt
	if !strings.Contains(prompt, "Relevant context:") {
		t.Errorf("prompt missing retrieved-context section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "the wifi password is hunter2") {
		t.Errorf("prompt missing retrieved document:\n%s", prompt)
	}
	// The current message must appear only in the User section, never
	// retrieved into its own context.
	if got := strings.Count(prompt, msg); got != 1 {
		t.Errorf("prompt contains current message %d times, want 1:\n%s", got, prompt)
	}

	// An identical follow-up within the TTL reuses the rendered context
	// instead of searching again.
	if _, err := r.HandleMessage(ctx, "alice:helper", msg); err != nil {
		t.Fatalf("second HandleMessage() error = %v", err)
	}
	if got := searchLed.Snapshot().SearchCalls; got != 1 {
		t.Errorf("search calls after cached repeat = %d, want 1", got)
	}
	second := runner.calls()[1].Prompt
	if !strings.Contains(second, "the wifi password is hunter2") {
		t.Errorf("cached context missing from second prompt:\n%s", second)
	}
}
