package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/plugin"
)

// --- Fakes ---

type fakeQueue struct {
	mu         sync.Mutex
	completed  []uuid.UUID
	requeued   map[uuid.UUID]time.Time
	dlqd       []uuid.UUID
	heartbeats int
	hbErr      error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{requeued: make(map[uuid.UUID]time.Time)}
}

func (q *fakeQueue) Claim(_ context.Context, _ string, _ []string, _ int, _ time.Duration) ([]domain.QueueMessage, error) {
	return nil, nil
}

func (q *fakeQueue) Heartbeat(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return q.hbErr
}

func (q *fakeQueue) Complete(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, id uuid.UUID, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued[id] = notBefore
	return nil
}

func (q *fakeQueue) MarkDLQ(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dlqd = append(q.dlqd, id)
	return nil
}

type fakeResults struct {
	mu    sync.Mutex
	saved []domain.TaskResult
}

func (r *fakeResults) Save(_ context.Context, res *domain.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, *res)
	return nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []domain.DLQEntry
}

func (d *fakeDLQ) Create(_ context.Context, entry *domain.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, *entry)
	return nil
}

type pluginFunc func(ctx context.Context, call plugin.Call) (*plugin.Result, error)

func (f pluginFunc) Execute(ctx context.Context, call plugin.Call) (*plugin.Result, error) {
	return f(ctx, call)
}

func testWorker(t *testing.T, p plugin.Plugin) (*Worker, *fakeQueue, *fakeResults, *fakeDLQ) {
	t.Helper()

	registry := plugin.NewRegistry()
	registry.Register("stub", p)

	queue := newFakeQueue()
	results := &fakeResults{}
	dlq := &fakeDLQ{}

	w := New(Config{
		WorkerID: "w-test",
		Queue:    queue,
		Results:  results,
		DLQ:      dlq,
		Registry: registry,
		Lease:    time.Minute,
	})
	go w.dedupe.Start()
	t.Cleanup(w.dedupe.Stop)
	return w, queue, results, dlq
}

func stubMessage(payload map[string]any) *domain.QueueMessage {
	return &domain.QueueMessage{
		ID:          uuid.New(),
		ExecutionID: uuid.New(),
		StepID:      "step-1",
		Kind:        "stub",
		LoopIndex:   domain.NoLoopIndex,
		Payload:     payload,
		Attempt:     1,
	}
}

// --- runTask Tests ---

func TestRunTask_Success(t *testing.T) {
	w, queue, results, _ := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		return &plugin.Result{Output: map[string]any{"answer": 42}, Logs: []string{"done"}}, nil
	}))
	msg := stubMessage(nil)

	w.runTask(context.Background(), msg)

	if len(results.saved) != 1 {
		t.Fatalf("expected 1 saved result, got %d", len(results.saved))
	}
	res := results.saved[0]
	if !res.OK {
		t.Error("result should be OK")
	}
	if res.MessageID != msg.ID || res.StepID != "step-1" {
		t.Errorf("result identity mismatch: %+v", res)
	}
	output := res.Output.(map[string]any)
	if output["answer"] != 42 {
		t.Errorf("expected output preserved, got %v", res.Output)
	}

	if len(queue.completed) != 1 || queue.completed[0] != msg.ID {
		t.Errorf("message should be completed, got %v", queue.completed)
	}
}

func TestRunTask_DuplicateDelivery(t *testing.T) {
	executions := 0
	w, queue, results, _ := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		executions++
		return &plugin.Result{Output: "ok"}, nil
	}))
	msg := stubMessage(nil)

	w.runTask(context.Background(), msg)
	w.runTask(context.Background(), msg)

	if executions != 1 {
		t.Errorf("duplicate delivery should not re-execute, got %d executions", executions)
	}
	if len(results.saved) != 1 {
		t.Errorf("expected 1 saved result, got %d", len(results.saved))
	}
	// Дубликат всё равно убирается из очереди.
	if len(queue.completed) != 2 {
		t.Errorf("expected 2 completes, got %d", len(queue.completed))
	}
}

func TestRunTask_RetryableFailure_Requeued(t *testing.T) {
	w, queue, results, dlq := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		return nil, plugin.Retryable(errors.New("connection refused"))
	}))
	msg := stubMessage(map[string]any{
		"retry": map[string]any{"max_attempts": 3.0, "base_delay_ms": 100.0},
	})

	before := time.Now()
	w.runTask(context.Background(), msg)

	notBefore, ok := queue.requeued[msg.ID]
	if !ok {
		t.Fatal("retryable failure should requeue the message")
	}
	if !notBefore.After(before) {
		t.Error("requeue should carry a backoff delay")
	}
	if len(results.saved) != 0 {
		t.Error("no result should be saved before retries are exhausted")
	}
	if len(dlq.entries) != 0 {
		t.Error("no dlq entry for a retryable failure with attempts left")
	}
}

func TestRunTask_ExhaustedRetries_DLQ(t *testing.T) {
	w, queue, results, dlq := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		return nil, plugin.Retryable(errors.New("still down"))
	}))
	msg := stubMessage(map[string]any{
		"retry": map[string]any{"max_attempts": 3.0},
	})
	msg.Attempt = 3

	w.runTask(context.Background(), msg)

	if len(dlq.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(dlq.entries))
	}
	entry := dlq.entries[0]
	if entry.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", entry.Attempts)
	}
	if entry.ErrorClass != domain.ErrorRetryable {
		t.Errorf("expected RETRYABLE class, got %s", entry.ErrorClass)
	}
	if len(queue.dlqd) != 1 {
		t.Error("message should be marked DLQ")
	}

	// Неуспешный результат сохраняется: оркестратор применит политику падения.
	if len(results.saved) != 1 {
		t.Fatalf("expected failed result saved, got %d", len(results.saved))
	}
	if results.saved[0].OK {
		t.Error("result should not be OK")
	}
}

func TestRunTask_FatalFailure_ImmediateDLQ(t *testing.T) {
	w, queue, _, dlq := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		return nil, plugin.Fatal(errors.New("bad request"))
	}))
	msg := stubMessage(map[string]any{
		"retry": map[string]any{"max_attempts": 5.0},
	})

	w.runTask(context.Background(), msg)

	if len(queue.requeued) != 0 {
		t.Error("fatal error should not be retried")
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("expected dlq entry on first attempt, got %d", len(dlq.entries))
	}
	if dlq.entries[0].ErrorClass != domain.ErrorFatal {
		t.Errorf("expected FATAL class, got %s", dlq.entries[0].ErrorClass)
	}
}

func TestRunTask_DLQPayloadRedacted(t *testing.T) {
	w, _, _, dlq := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		return nil, plugin.Fatal(errors.New("boom"))
	}))
	msg := stubMessage(map[string]any{
		"config": map[string]any{
			"url":       "https://example.com",
			"api_token": "s3cr3t",
		},
	})

	w.runTask(context.Background(), msg)

	if len(dlq.entries) != 1 {
		t.Fatal("expected dlq entry")
	}
	config := dlq.entries[0].Payload["config"].(map[string]any)
	if config["api_token"] == "s3cr3t" {
		t.Error("secret should be redacted in dlq payload snapshot")
	}
	if config["url"] != "https://example.com" {
		t.Error("non-secret values should survive redaction")
	}
}

func TestRunTask_UnknownKind_DLQ(t *testing.T) {
	w, _, _, dlq := testWorker(t, pluginFunc(func(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
		return &plugin.Result{}, nil
	}))
	msg := stubMessage(nil)
	msg.Kind = "no-such-plugin"

	w.runTask(context.Background(), msg)

	if len(dlq.entries) != 1 {
		t.Fatal("unknown kind should be a fatal failure")
	}
	if dlq.entries[0].ErrorClass != domain.ErrorFatal {
		t.Errorf("expected FATAL, got %s", dlq.entries[0].ErrorClass)
	}
}

func TestRunTask_WorkerStopping_Requeued(t *testing.T) {
	w, queue, results, dlq := testWorker(t, pluginFunc(func(ctx context.Context, _ plugin.Call) (*plugin.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	msg := stubMessage(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	w.runTask(ctx, msg)

	if _, ok := queue.requeued[msg.ID]; !ok {
		t.Error("cancelled task should be requeued for another worker")
	}
	if len(results.saved) != 0 || len(dlq.entries) != 0 {
		t.Error("cancellation should not produce a result or dlq entry")
	}
}

// --- Payload parsing Tests ---

func TestParseCall(t *testing.T) {
	msg := stubMessage(map[string]any{
		"config":      map[string]any{"url": "https://example.com"},
		"args":        map[string]any{"n": 1.0},
		"timeout_sec": 5.0,
	})

	call, timeout, err := parseCall(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.Config["url"] != "https://example.com" {
		t.Errorf("config not extracted: %v", call.Config)
	}
	if call.Args["n"] != 1.0 {
		t.Errorf("args not extracted: %v", call.Args)
	}
	if timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", timeout)
	}
	if call.ExecutionID != msg.ExecutionID || call.StepID != msg.StepID {
		t.Error("call should carry message identity")
	}
}

func TestParseCall_BadConfigType(t *testing.T) {
	msg := stubMessage(map[string]any{"config": "not-an-object"})

	_, _, err := parseCall(msg)
	if !errors.Is(err, ErrBadPayload) {
		t.Errorf("expected ErrBadPayload, got %v", err)
	}
}

func TestMaxAttemptsFor(t *testing.T) {
	msg := stubMessage(map[string]any{
		"retry": map[string]any{"max_attempts": 7.0},
	})
	if got := maxAttemptsFor(msg); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}

	if got := maxAttemptsFor(stubMessage(nil)); got != defaultMaxAttempts {
		t.Errorf("expected default %d, got %d", defaultMaxAttempts, got)
	}
}

// --- Backoff Tests ---

func TestBackoff_WithinJitterBounds(t *testing.T) {
	policy := &domain.RetryPolicy{BaseDelayMs: 1000, MaxDelayMs: 60000}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := Backoff(tt.attempt, policy)
			lo := time.Duration(float64(tt.base) * 0.5)
			hi := time.Duration(float64(tt.base) * 1.5)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tt.attempt, got, lo, hi)
			}
		}
	}
}

func TestBackoff_CappedAtMax(t *testing.T) {
	policy := &domain.RetryPolicy{BaseDelayMs: 1000, MaxDelayMs: 5000}

	for i := 0; i < 20; i++ {
		got := Backoff(10, policy)
		if got > time.Duration(float64(5*time.Second)*1.5) {
			t.Fatalf("delay %v exceeds jittered max", got)
		}
	}
}

func TestBackoff_NilPolicyDefaults(t *testing.T) {
	got := Backoff(1, nil)
	if got <= 0 {
		t.Errorf("expected positive delay, got %v", got)
	}
	if got > time.Duration(float64(defaultMaxDelay)*1.5) {
		t.Errorf("delay %v exceeds default max", got)
	}
}

// --- Worker configuration Tests ---

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})

	if w.concurrency != defaultConcurrency {
		t.Errorf("expected default concurrency %d, got %d", defaultConcurrency, w.concurrency)
	}
	if w.claimInterval != defaultClaimInterval {
		t.Errorf("expected default claim interval %v, got %v", defaultClaimInterval, w.claimInterval)
	}
	if w.lease != defaultLease {
		t.Errorf("expected default lease %v, got %v", defaultLease, w.lease)
	}
	if w.id == "" {
		t.Error("worker id should be generated")
	}
}

func TestNew_KindsFromRegistry(t *testing.T) {
	registry := plugin.NewRegistry()
	registry.Register("http", &HTTPStub{})
	registry.Register("delay", &HTTPStub{})

	w := New(Config{Registry: registry})

	if len(w.kinds) != 2 {
		t.Errorf("expected 2 kinds from registry, got %v", w.kinds)
	}
}

type HTTPStub struct{}

func (s *HTTPStub) Execute(_ context.Context, _ plugin.Call) (*plugin.Result, error) {
	return &plugin.Result{}, nil
}
