package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/expr"
	"github.com/shaiso/Kontur/internal/repo"
)

// --- Fakes ---

type fakeExecStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*domain.Execution
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{execs: make(map[uuid.UUID]*domain.Execution)}
}

func (s *fakeExecStore) put(exec *domain.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.ID] = &cp
}

func (s *fakeExecStore) get(id uuid.UUID) *domain.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[id]
}

func (s *fakeExecStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *exec
	if exec.Context != nil {
		cp.Context = make(map[string]any, len(exec.Context))
		for k, v := range exec.Context {
			cp.Context[k] = v
		}
	}
	return &cp, nil
}

func (s *fakeExecStore) ListRunning(_ context.Context, limit int) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, exec := range s.execs {
		if exec.Status == domain.ExecutionRunning && len(out) < limit {
			out = append(out, *exec)
		}
	}
	return out, nil
}

func (s *fakeExecStore) UpdateStatus(_ context.Context, exec *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *fakeExecStore) SetContextValue(_ context.Context, id uuid.UUID, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if exec.Context == nil {
		exec.Context = make(map[string]any)
	}
	exec.Context[name] = value
	return nil
}

func (s *fakeExecStore) Resume(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return repo.ErrNotFound
	}
	exec.Status = domain.ExecutionRunning
	exec.FinishedAt = nil
	exec.Error = ""
	return nil
}

type fakePlaybookStore struct {
	pb *domain.Playbook
}

func (s *fakePlaybookStore) GetVersion(_ context.Context, id uuid.UUID, version int) (*domain.Playbook, error) {
	if s.pb == nil || s.pb.ID != id || s.pb.Version != version {
		return nil, repo.ErrNotFound
	}
	return s.pb, nil
}

type stepKey struct {
	exec uuid.UUID
	step string
}

type collectItem struct {
	key   string
	index int
	value any
}

type fakeStepStore struct {
	mu             sync.Mutex
	states         map[stepKey]*domain.StepState
	collect        map[string][]collectItem
	integrated     map[stepKey]map[int]bool
	failIncrements int
}

func newFakeStepStore() *fakeStepStore {
	return &fakeStepStore{
		states:     make(map[stepKey]*domain.StepState),
		collect:    make(map[string][]collectItem),
		integrated: make(map[stepKey]map[int]bool),
	}
}

// failNextIncrement заставляет следующий IncrementLoop вернуть ошибку.
func (s *fakeStepStore) failNextIncrement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIncrements++
}

func (s *fakeStepStore) seed(st domain.StepState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stepKey{st.ExecutionID, st.StepID}] = &st
}

func (s *fakeStepStore) state(execID uuid.UUID, stepID string) *domain.StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[stepKey{execID, stepID}]
}

func (s *fakeStepStore) Ensure(_ context.Context, executionID uuid.UUID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := stepKey{executionID, stepID}
	if _, ok := s.states[k]; !ok {
		s.states[k] = &domain.StepState{
			ExecutionID: executionID,
			StepID:      stepID,
			Status:      domain.StepPending,
		}
	}
	return nil
}

func (s *fakeStepStore) Get(_ context.Context, executionID uuid.UUID, stepID string) (*domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stepKey{executionID, stepID}]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *st
	if st.Loop != nil {
		loop := *st.Loop
		cp.Loop = &loop
	}
	return &cp, nil
}

func (s *fakeStepStore) ListByExecution(_ context.Context, executionID uuid.UUID) ([]domain.StepState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StepState
	for k, st := range s.states {
		if k.exec == executionID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStepStore) TryDispatch(_ context.Context, executionID uuid.UUID, stepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stepKey{executionID, stepID}]
	if !ok {
		return false, repo.ErrNotFound
	}
	if st.Status != domain.StepPending && st.Status != domain.StepParked {
		return false, nil
	}
	now := time.Now()
	st.Status = domain.StepRunning
	st.StartedAt = &now
	return true, nil
}

func (s *fakeStepStore) Park(_ context.Context, executionID uuid.UUID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stepKey{executionID, stepID}]
	if !ok {
		return repo.ErrNotFound
	}
	if st.Status == domain.StepPending {
		st.Status = domain.StepParked
	}
	return nil
}

func (s *fakeStepStore) MarkDone(_ context.Context, executionID uuid.UUID, stepID string, ok bool, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.states[stepKey{executionID, stepID}]
	if !found {
		return repo.ErrNotFound
	}
	now := time.Now()
	st.Status = domain.StepDone
	st.OK = &ok
	st.Error = errText
	st.DoneAt = &now
	return nil
}

func (s *fakeStepStore) SetLoopTotal(_ context.Context, executionID uuid.UUID, stepID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stepKey{executionID, stepID}]
	if !ok {
		return repo.ErrNotFound
	}
	st.Loop = &domain.LoopProgress{Total: total}
	return nil
}

func (s *fakeStepStore) IncrementLoop(_ context.Context, executionID uuid.UUID, stepID string, loopIndex int, ok bool) (*domain.LoopProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIncrements > 0 {
		s.failIncrements--
		return nil, errors.New("step store unavailable")
	}
	k := stepKey{executionID, stepID}
	st, found := s.states[k]
	if !found {
		return nil, repo.ErrNotFound
	}
	if st.Loop == nil {
		st.Loop = &domain.LoopProgress{}
	}
	// Как в loop_integrations: повторная интеграция того же индекса
	// не двигает счётчики.
	if s.integrated[k] == nil {
		s.integrated[k] = make(map[int]bool)
	}
	if !s.integrated[k][loopIndex] {
		s.integrated[k][loopIndex] = true
		st.Loop.Completed++
		if ok {
			st.Loop.Succeeded++
		} else {
			st.Loop.Failed++
		}
	}
	cp := *st.Loop
	return &cp, nil
}

func (s *fakeStepStore) MarkEarlyExit(_ context.Context, executionID uuid.UUID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stepKey{executionID, stepID}]
	if !ok {
		return repo.ErrNotFound
	}
	if st.Loop == nil {
		st.Loop = &domain.LoopProgress{}
	}
	st.Loop.EarlyExit = true
	return nil
}

func collectBucket(executionID uuid.UUID, stepID, target string) string {
	return fmt.Sprintf("%s/%s/%s", executionID, stepID, target)
}

func (s *fakeStepStore) AppendCollectItem(_ context.Context, executionID uuid.UUID, stepID, target, loopKey string, loopIndex int, item any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := collectBucket(executionID, stepID, target)
	for _, existing := range s.collect[bucket] {
		if existing.key == loopKey {
			return nil
		}
	}
	s.collect[bucket] = append(s.collect[bucket], collectItem{key: loopKey, index: loopIndex, value: item})
	return nil
}

func (s *fakeStepStore) CollectList(_ context.Context, executionID uuid.UUID, stepID, target string) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append([]collectItem(nil), s.collect[collectBucket(executionID, stepID, target)]...)
	sort.Slice(items, func(i, j int) bool { return items[i].index < items[j].index })
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it.value
	}
	return out, nil
}

func (s *fakeStepStore) CollectMap(_ context.Context, executionID uuid.UUID, stepID, target string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any)
	for _, it := range s.collect[collectBucket(executionID, stepID, target)] {
		out[it.key] = it.value
	}
	return out, nil
}

type fakeTaskQueue struct {
	mu        sync.Mutex
	msgs      []*domain.QueueMessage
	inFlight  int
	cancelled []uuid.UUID
}

func (q *fakeTaskQueue) Enqueue(_ context.Context, msg *domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.msgs {
		if existing.ID == msg.ID {
			return nil
		}
	}
	cp := *msg
	q.msgs = append(q.msgs, &cp)
	return nil
}

func (q *fakeTaskQueue) CancelPending(_ context.Context, executionID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, executionID)
	var kept []*domain.QueueMessage
	for _, msg := range q.msgs {
		if msg.ExecutionID == executionID && msg.Status == domain.MessageQueued {
			continue
		}
		kept = append(kept, msg)
	}
	q.msgs = kept
	return nil
}

func (q *fakeTaskQueue) InFlightCount(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight, nil
}

func (q *fakeTaskQueue) setInFlight(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = n
}

func (q *fakeTaskQueue) find(executionID uuid.UUID, stepID string, loopIndex int) *domain.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msg := range q.msgs {
		if msg.ExecutionID == executionID && msg.StepID == stepID && msg.LoopIndex == loopIndex {
			return msg
		}
	}
	return nil
}

func (q *fakeTaskQueue) count(executionID uuid.UUID, stepID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msg := range q.msgs {
		if msg.ExecutionID == executionID && msg.StepID == stepID {
			n++
		}
	}
	return n
}

func (q *fakeTaskQueue) total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type fakeResultStore struct {
	mu       sync.Mutex
	results  map[uuid.UUID]*domain.TaskResult
	consumed map[uuid.UUID]bool
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{
		results:  make(map[uuid.UUID]*domain.TaskResult),
		consumed: make(map[uuid.UUID]bool),
	}
}

func (r *fakeResultStore) add(res *domain.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	r.results[res.MessageID] = &cp
}

func (r *fakeResultStore) isConsumed(messageID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed[messageID]
}

func (r *fakeResultStore) GetByMessageID(_ context.Context, messageID uuid.UUID) (*domain.TaskResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[messageID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *fakeResultStore) Consume(_ context.Context, messageID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed[messageID] {
		return false, nil
	}
	r.consumed[messageID] = true
	return true, nil
}

func (r *fakeResultStore) ListUnprocessed(_ context.Context, limit int) ([]domain.TaskResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TaskResult
	for id, res := range r.results {
		if !r.consumed[id] && len(out) < limit {
			out = append(out, *res)
		}
	}
	return out, nil
}

type fakeSinkWriter struct {
	mu        sync.Mutex
	failNext  int
	committed map[string]int
	attempts  int
}

func newFakeSinkWriter() *fakeSinkWriter {
	return &fakeSinkWriter{committed: make(map[string]int)}
}

func (s *fakeSinkWriter) Write(_ context.Context, key string, _ uuid.UUID, _ string, _ domain.SinkSpec, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("sink unavailable")
	}
	if s.committed[key] > 0 {
		// Ledger-guard: повторная запись по тому же ключу — no-op.
		return nil
	}
	s.committed[key]++
	return nil
}

func (s *fakeSinkWriter) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.committed {
		n += c
	}
	return n
}

// --- Harness ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type world struct {
	t       *testing.T
	pbID    uuid.UUID
	execs   *fakeExecStore
	steps   *fakeStepStore
	queue   *fakeTaskQueue
	results *fakeResultStore
	sinks   *fakeSinkWriter
	orch    *Orchestrator
}

func newWorld(t *testing.T, spec domain.PlaybookSpec) *world {
	return newWorldCfg(t, spec, nil)
}

func newWorldCfg(t *testing.T, spec domain.PlaybookSpec, tweak func(*Config)) *world {
	t.Helper()

	w := &world{
		t:       t,
		pbID:    uuid.New(),
		execs:   newFakeExecStore(),
		steps:   newFakeStepStore(),
		queue:   &fakeTaskQueue{},
		results: newFakeResultStore(),
		sinks:   newFakeSinkWriter(),
	}

	pbs := &fakePlaybookStore{pb: &domain.Playbook{
		ID:      w.pbID,
		Name:    "test-playbook",
		Version: 1,
		Spec:    spec,
	}}

	cfg := Config{
		ExecutionStore: w.execs,
		PlaybookStore:  pbs,
		StepStore:      w.steps,
		Queue:          w.queue,
		Results:        w.results,
		Sinks:          w.sinks,
		EvalTimeout:    time.Second,
		Logger:         discardLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	w.orch = New(cfg)
	return w
}

func (w *world) submit(input map[string]any) uuid.UUID {
	w.t.Helper()

	exec := &domain.Execution{
		ID:         uuid.New(),
		PlaybookID: w.pbID,
		Version:    1,
		Status:     domain.ExecutionRunning,
		Input:      input,
		CreatedAt:  time.Now(),
	}
	w.execs.put(exec)
	if err := w.orch.processExecution(context.Background(), exec.ID); err != nil {
		w.t.Fatalf("processExecution: %v", err)
	}
	return exec.ID
}

// deliver эмулирует отчёт воркера: находит сообщение очереди,
// сохраняет результат и прогоняет его через processResult.
func (w *world) deliver(execID uuid.UUID, stepID string, loopIndex int, ok bool, output any) error {
	w.t.Helper()

	msg := w.queue.find(execID, stepID, loopIndex)
	if msg == nil {
		w.t.Fatalf("no queued message for step %s index %d", stepID, loopIndex)
	}
	res := &domain.TaskResult{
		MessageID:   msg.ID,
		ExecutionID: execID,
		StepID:      stepID,
		LoopIndex:   msg.LoopIndex,
		LoopKey:     msg.LoopKey,
		OK:          ok,
		Output:      output,
		Attempt:     1,
		ReportedAt:  time.Now(),
	}
	if !ok {
		res.ErrorClass = domain.ErrorFatal
		res.Error = "plugin failed"
	}
	w.results.add(res)
	return w.orch.processResult(context.Background(), msg.ID)
}

func (w *world) mustDeliver(execID uuid.UUID, stepID string, loopIndex int, ok bool, output any) {
	w.t.Helper()
	if err := w.deliver(execID, stepID, loopIndex, ok, output); err != nil {
		w.t.Fatalf("deliver %s[%d]: %v", stepID, loopIndex, err)
	}
}

func toolStep(id string) domain.StepDef {
	return domain.StepDef{
		ID:   id,
		Tool: &domain.ToolSpec{Kind: "transform"},
	}
}

// --- Tests ---

func TestLinearFlowCompletes(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Result = &domain.ResultSpec{As: "data"}
	fetch.Next = []domain.EdgeDef{{Step: "store"}}
	store := toolStep("store")

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{fetch, store}})
	execID := w.submit(map[string]any{"source": "s3"})

	msg := w.queue.find(execID, "fetch", domain.NoLoopIndex)
	if msg == nil {
		t.Fatal("entry step was not enqueued")
	}
	if msg.ID != taskMessageID(execID, "fetch", domain.NoLoopIndex) {
		t.Error("message id is not deterministic")
	}
	if msg.Priority != priorityStep {
		t.Errorf("priority = %d, want %d", msg.Priority, priorityStep)
	}

	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, true, map[string]any{"rows": 3.0})

	if w.queue.find(execID, "store", domain.NoLoopIndex) == nil {
		t.Fatal("next step was not enqueued after result")
	}
	w.mustDeliver(execID, "store", domain.NoLoopIndex, true, "saved")

	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionOK {
		t.Fatalf("execution status = %s, want OK", exec.Status)
	}
	data, ok := exec.Context["data"].(map[string]any)
	if !ok || data["rows"] != 3.0 {
		t.Errorf("bound context value = %v", exec.Context["data"])
	}
	if w.orch.ActiveCount() != 0 {
		t.Error("finished execution still active")
	}
}

func TestRouteOnlyStepPicksFirstMatchingEdge(t *testing.T) {
	router := domain.StepDef{
		ID: "decide",
		Next: []domain.EdgeDef{
			{Step: "big", When: `{{ gt .Input.size 100.0 }}`},
			{Step: "small"},
		},
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{router, toolStep("big"), toolStep("small")}})
	execID := w.submit(map[string]any{"size": 5.0})

	if st := w.steps.state(execID, "decide"); st == nil || !st.IsOK() {
		t.Fatal("route-only step should finish immediately")
	}
	if w.queue.find(execID, "big", domain.NoLoopIndex) != nil {
		t.Error("non-matching branch was dispatched")
	}
	if w.queue.find(execID, "small", domain.NoLoopIndex) == nil {
		t.Fatal("else branch was not dispatched")
	}
}

func TestFalseGateParksStepAndExecutionFinishes(t *testing.T) {
	work := toolStep("work")
	work.Next = []domain.EdgeDef{{Step: "optional"}}
	optional := toolStep("optional")
	optional.When = `{{ ctx "enabled" }}`

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{work, optional}})
	execID := w.submit(nil)
	w.mustDeliver(execID, "work", domain.NoLoopIndex, true, "done")

	if st := w.steps.state(execID, "optional"); st == nil || st.Status != domain.StepParked {
		t.Fatalf("gated step should be parked, got %+v", st)
	}
	if w.queue.find(execID, "optional", domain.NoLoopIndex) != nil {
		t.Error("parked step was dispatched")
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestRestartReleasesParkedStep(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Next = []domain.EdgeDef{{Step: "store"}}
	store := toolStep("store")
	store.When = `{{ ctx "ready" }}`

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{fetch, store}})

	execID := uuid.New()
	okTrue := true
	w.execs.put(&domain.Execution{
		ID:         execID,
		PlaybookID: w.pbID,
		Version:    1,
		Status:     domain.ExecutionRunning,
		Context:    map[string]any{"ready": true},
		CreatedAt:  time.Now(),
	})
	w.steps.seed(domain.StepState{ExecutionID: execID, StepID: "fetch", Status: domain.StepDone, OK: &okTrue})
	w.steps.seed(domain.StepState{ExecutionID: execID, StepID: "store", Status: domain.StepParked})

	if err := w.orch.processExecution(context.Background(), execID); err != nil {
		t.Fatalf("processExecution: %v", err)
	}

	if w.queue.find(execID, "store", domain.NoLoopIndex) == nil {
		t.Fatal("parked step was not dispatched after restore")
	}
	if st := w.steps.state(execID, "store"); st.Status != domain.StepRunning {
		t.Errorf("step status = %s, want RUNNING", st.Status)
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionRunning {
		t.Errorf("execution finalized too early: %s", exec.Status)
	}
}

func TestDuplicateResultDeliveryIsIdempotent(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Next = []domain.EdgeDef{{Step: "store"}}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{fetch, toolStep("store")}})
	execID := w.submit(nil)

	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, true, "v1")

	// Повторная доставка того же результата: шаг уже DONE.
	msg := w.queue.find(execID, "fetch", domain.NoLoopIndex)
	if err := w.orch.processResult(context.Background(), msg.ID); err != nil {
		t.Fatalf("duplicate processResult: %v", err)
	}

	if n := w.queue.count(execID, "store"); n != 1 {
		t.Errorf("next step enqueued %d times, want 1", n)
	}
}

func TestPickShapesResultBeforeBinding(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Result = &domain.ResultSpec{
		Pick: `{{ json .This.items }}`,
		As:   "items",
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{fetch}})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, true, map[string]any{
		"items": []any{"a", "b"},
		"meta":  "ignored",
	})

	exec := w.execs.get(execID)
	items, ok := exec.Context["items"].([]any)
	if !ok || len(items) != 2 || items[0] != "a" {
		t.Errorf("picked value = %v", exec.Context["items"])
	}
	if exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s", exec.Status)
	}
}

func TestPickErrorConsumesResultAndFailsStep(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Result = &domain.ResultSpec{Pick: `{{ .This.missing.deep }}`}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{fetch}})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, true, "scalar")

	msg := w.queue.find(execID, "fetch", domain.NoLoopIndex)
	if !w.results.isConsumed(msg.ID) {
		t.Error("pick error must consume the result: replay cannot fix it")
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionFailed {
		t.Errorf("execution status = %s, want FAILED", exec.Status)
	}
}

func TestHaltPolicyFailsExecutionAndKeepsStepRunning(t *testing.T) {
	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{toolStep("fetch")}})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, false, nil)

	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionFailed {
		t.Fatalf("execution status = %s, want FAILED", exec.Status)
	}
	// Шаг остаётся RUNNING: replay из DLQ сможет доставить успешный
	// результат и продолжить выполнение.
	if st := w.steps.state(execID, "fetch"); st.Status != domain.StepRunning {
		t.Errorf("step status = %s, want RUNNING", st.Status)
	}
}

func TestContinuePolicyMarksStepDoneAndFailsExecution(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Next = []domain.EdgeDef{{Step: "store"}}

	w := newWorld(t, domain.PlaybookSpec{
		OnFailure: domain.FailureContinue,
		Steps:     []domain.StepDef{fetch, toolStep("store")},
	})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, false, nil)

	st := w.steps.state(execID, "fetch")
	if st.Status != domain.StepDone || st.OK == nil || *st.OK {
		t.Fatalf("failed step should be DONE(failed), got %+v", st)
	}
	// Рёбра упавшего шага не срабатывают.
	if w.queue.find(execID, "store", domain.NoLoopIndex) != nil {
		t.Error("edges of a failed step must not fire")
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionFailed {
		t.Errorf("execution status = %s, want FAILED", exec.Status)
	}
}

func TestRoutePolicyRedirectsFailureToErrorEdge(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.OnError = "cleanup"

	w := newWorld(t, domain.PlaybookSpec{
		OnFailure: domain.FailureRoute,
		Steps:     []domain.StepDef{fetch, toolStep("cleanup")},
	})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, false, nil)

	if w.queue.find(execID, "cleanup", domain.NoLoopIndex) == nil {
		t.Fatal("on_error step was not dispatched")
	}
	w.mustDeliver(execID, "cleanup", domain.NoLoopIndex, true, nil)

	// Перехваченное падение не валит выполнение.
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestRoutePolicyWithoutErrorEdgeBehavesLikeContinue(t *testing.T) {
	w := newWorld(t, domain.PlaybookSpec{
		OnFailure: domain.FailureRoute,
		Steps:     []domain.StepDef{toolStep("fetch")},
	})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, false, nil)

	if st := w.steps.state(execID, "fetch"); st.Status != domain.StepDone {
		t.Errorf("step status = %s, want DONE", st.Status)
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionFailed {
		t.Errorf("execution status = %s, want FAILED", exec.Status)
	}
}

func TestParallelLoopCollectsList(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{In: `{{ json .Input.hosts }}`, As: "host"}
	scan.Result = &domain.ResultSpec{
		Collect: &domain.CollectSpec{Target: "reports"},
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}})
	execID := w.submit(map[string]any{"hosts": []any{"h1", "h2", "h3"}})

	if n := w.queue.count(execID, "scan"); n != 3 {
		t.Fatalf("enqueued %d loop items, want 3", n)
	}
	for i := 0; i < 3; i++ {
		msg := w.queue.find(execID, "scan", i)
		if msg.Priority != priorityLoopItem {
			t.Errorf("loop item priority = %d, want %d", msg.Priority, priorityLoopItem)
		}
	}

	// Порядок интеграции не важен.
	w.mustDeliver(execID, "scan", 2, true, "r2")
	w.mustDeliver(execID, "scan", 0, true, "r0")
	w.mustDeliver(execID, "scan", 1, true, "r1")

	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionOK {
		t.Fatalf("execution status = %s, want OK", exec.Status)
	}
	reports, ok := exec.Context["reports"].([]any)
	if !ok || len(reports) != 3 {
		t.Fatalf("collected = %v", exec.Context["reports"])
	}
	// Список упорядочен по индексу элемента, не по порядку доставки.
	if reports[0] != "r0" || reports[1] != "r1" || reports[2] != "r2" {
		t.Errorf("collect order = %v", reports)
	}
}

func TestLargeParallelLoopCollectsInIndexOrder(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{In: `{{ json .Input.ids }}`, As: "id"}
	scan.Result = &domain.ResultSpec{Collect: &domain.CollectSpec{Target: "out"}}

	const n = 100
	ids := make([]any, n)
	for i := range ids {
		ids[i] = float64(i)
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}})
	execID := w.submit(map[string]any{"ids": ids})

	if got := w.queue.count(execID, "scan"); got != n {
		t.Fatalf("enqueued %d items, want %d", got, n)
	}

	// Интеграция в обратном порядке доставки.
	for i := n - 1; i >= 0; i-- {
		w.mustDeliver(execID, "scan", i, true, fmt.Sprintf("r%d", i))
	}

	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionOK {
		t.Fatalf("execution status = %s, want OK", exec.Status)
	}
	out, ok := exec.Context["out"].([]any)
	if !ok || len(out) != n {
		t.Fatalf("collected %d items", len(out))
	}
	for i, v := range out {
		if v != fmt.Sprintf("r%d", i) {
			t.Fatalf("out[%d] = %v", i, v)
		}
	}
	if st := w.steps.state(execID, "scan"); st.Loop == nil || st.Loop.Succeeded != n {
		t.Errorf("loop progress = %+v", st.Loop)
	}
}

func TestMapLoopCollectsByKey(t *testing.T) {
	count := toolStep("count")
	count.Loop = &domain.LoopSpec{In: `{{ json .Input.regions }}`, As: "region"}
	count.Result = &domain.ResultSpec{
		Collect: &domain.CollectSpec{
			Target: "totals",
			Kind:   domain.CollectKindMap,
			Key:    `{{ .Loop.Key }}`,
		},
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{count}})
	execID := w.submit(map[string]any{"regions": map[string]any{"us": 1.0, "eu": 2.0}})

	// Map-коллекция разворачивается в отсортированном порядке ключей.
	if msg := w.queue.find(execID, "count", 0); msg.LoopKey != "eu" {
		t.Errorf("item 0 key = %q, want eu", msg.LoopKey)
	}
	if msg := w.queue.find(execID, "count", 1); msg.LoopKey != "us" {
		t.Errorf("item 1 key = %q, want us", msg.LoopKey)
	}

	w.mustDeliver(execID, "count", 0, true, 20.0)
	w.mustDeliver(execID, "count", 1, true, 10.0)

	exec := w.execs.get(execID)
	totals, ok := exec.Context["totals"].(map[string]any)
	if !ok || totals["eu"] != 20.0 || totals["us"] != 10.0 {
		t.Errorf("collected map = %v", exec.Context["totals"])
	}
}

func TestSequentialLoopEnqueuesOneItemAtATime(t *testing.T) {
	walk := toolStep("walk")
	walk.Loop = &domain.LoopSpec{
		In:   `{{ json .Input.pages }}`,
		As:   "page",
		Mode: domain.LoopSequential,
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{walk}})
	execID := w.submit(map[string]any{"pages": []any{1.0, 2.0, 3.0}})

	if n := w.queue.count(execID, "walk"); n != 1 {
		t.Fatalf("sequential loop enqueued %d items at dispatch, want 1", n)
	}

	w.mustDeliver(execID, "walk", 0, true, "p0")
	if n := w.queue.count(execID, "walk"); n != 2 {
		t.Fatalf("after first result queue has %d items, want 2", n)
	}

	w.mustDeliver(execID, "walk", 1, true, "p1")
	w.mustDeliver(execID, "walk", 2, true, "p2")

	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestSequentialLoopUntilStopsEarly(t *testing.T) {
	poll := toolStep("poll")
	poll.Loop = &domain.LoopSpec{
		In:    `{{ json .Input.attempts }}`,
		As:    "attempt",
		Mode:  domain.LoopSequential,
		Until: `{{ eq .This "found" }}`,
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{poll}})
	execID := w.submit(map[string]any{"attempts": []any{1.0, 2.0, 3.0, 4.0}})

	w.mustDeliver(execID, "poll", 0, true, "miss")
	w.mustDeliver(execID, "poll", 1, true, "found")

	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionOK {
		t.Fatalf("execution status = %s, want OK", exec.Status)
	}
	st := w.steps.state(execID, "poll")
	if st.Loop == nil || !st.Loop.EarlyExit {
		t.Error("early exit was not recorded")
	}
	// Третий элемент не ставился.
	if n := w.queue.count(execID, "poll"); n != 2 {
		t.Errorf("queued %d items, want 2", n)
	}
}

func TestEmptyLoopCollectionSucceedsTrivially(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{In: `{{ json .Input.hosts }}`, As: "host"}
	scan.Result = &domain.ResultSpec{Collect: &domain.CollectSpec{Target: "reports"}}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}})
	execID := w.submit(map[string]any{"hosts": []any{}})

	if w.queue.total() != 0 {
		t.Error("empty collection enqueued items")
	}
	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionOK {
		t.Fatalf("execution status = %s, want OK", exec.Status)
	}
	reports, ok := exec.Context["reports"].([]any)
	if !ok || len(reports) != 0 {
		t.Errorf("collect target = %v, want empty list", exec.Context["reports"])
	}
}

func TestLoopSuccessThreshold(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{
		In:               `{{ json .Input.hosts }}`,
		As:               "host",
		SuccessThreshold: 0.5,
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}})
	execID := w.submit(map[string]any{"hosts": []any{"h1", "h2"}})

	w.mustDeliver(execID, "scan", 0, true, "ok")
	w.mustDeliver(execID, "scan", 1, false, nil)

	// 1 из 2 успешен, порог 0.5 — цикл успешен.
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
	if st := w.steps.state(execID, "scan"); !st.IsOK() {
		t.Errorf("loop step should be ok, got %+v", st)
	}
}

func TestStrictLoopFailsOnSingleItemFailure(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{In: `{{ json .Input.hosts }}`, As: "host"}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}})
	execID := w.submit(map[string]any{"hosts": []any{"h1", "h2"}})

	w.mustDeliver(execID, "scan", 0, true, "ok")
	w.mustDeliver(execID, "scan", 1, false, nil)

	if exec := w.execs.get(execID); exec.Status != domain.ExecutionFailed {
		t.Errorf("execution status = %s, want FAILED", exec.Status)
	}
}

func TestBackpressureDefersAndResumesLoopItems(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{In: `{{ json .Input.hosts }}`, As: "host"}

	w := newWorldCfg(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}}, func(cfg *Config) {
		cfg.HighWatermark = 4
		cfg.LowWatermark = 2
	})

	w.queue.setInFlight(10)
	w.orch.observePressure(context.Background())
	if !w.orch.pressure.Paused() {
		t.Fatal("pressure controller should be paused above high watermark")
	}

	execID := w.submit(map[string]any{"hosts": []any{"h1", "h2", "h3"}})
	if n := w.queue.count(execID, "scan"); n != 0 {
		t.Fatalf("paused dispatch enqueued %d items, want 0", n)
	}
	if st := w.steps.state(execID, "scan"); st.Status != domain.StepRunning {
		t.Errorf("loop step status = %s, want RUNNING", st.Status)
	}

	// Очередь опустела: пауза снимается, отложенные элементы допоставляются.
	w.queue.setInFlight(1)
	w.orch.observePressure(context.Background())
	if n := w.queue.count(execID, "scan"); n != 3 {
		t.Fatalf("after release queue has %d items, want 3", n)
	}

	for i := 0; i < 3; i++ {
		w.mustDeliver(execID, "scan", i, true, "ok")
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestAwaitSinkFailureLeavesResultReplayable(t *testing.T) {
	export := toolStep("export")
	export.Sinks = []domain.SinkSpec{{ID: "warehouse", Kind: "postgres"}}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{export}})
	execID := w.submit(nil)

	w.sinks.failNext = 1
	if err := w.deliver(execID, "export", domain.NoLoopIndex, true, "row"); err == nil {
		t.Fatal("await sink failure should propagate")
	}

	msg := w.queue.find(execID, "export", domain.NoLoopIndex)
	if w.results.isConsumed(msg.ID) {
		t.Fatal("result must stay unprocessed after sink failure")
	}
	if st := w.steps.state(execID, "export"); st.Status != domain.StepRunning {
		t.Errorf("step status = %s, want RUNNING", st.Status)
	}

	// Replay: ledger-ключ тот же, запись выполняется один раз.
	if err := w.orch.processResult(context.Background(), msg.ID); err != nil {
		t.Fatalf("replay processResult: %v", err)
	}
	if !w.results.isConsumed(msg.ID) {
		t.Error("replayed result was not consumed")
	}
	if n := w.sinks.commits(); n != 1 {
		t.Errorf("sink committed %d writes, want 1", n)
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestForgetSinkFailureDoesNotBlockStep(t *testing.T) {
	export := toolStep("export")
	export.Sinks = []domain.SinkSpec{{ID: "audit", Kind: "amqp", Mode: domain.SinkForget}}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{export}})
	execID := w.submit(nil)

	w.sinks.failNext = 10
	w.mustDeliver(execID, "export", domain.NoLoopIndex, true, "event")

	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestCancelRemovesPendingTasksAndFinalizes(t *testing.T) {
	fetch := toolStep("fetch")
	fetch.Next = []domain.EdgeDef{{Step: "store"}}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{fetch, toolStep("store")}})
	execID := w.submit(nil)

	if err := w.orch.processCancel(context.Background(), execID); err != nil {
		t.Fatalf("processCancel: %v", err)
	}

	exec := w.execs.get(execID)
	if exec.Status != domain.ExecutionCancelled {
		t.Fatalf("execution status = %s, want CANCELLED", exec.Status)
	}
	if w.queue.find(execID, "fetch", domain.NoLoopIndex) != nil {
		t.Error("pending task survived cancellation")
	}
	if w.orch.ActiveCount() != 0 {
		t.Error("cancelled execution still active")
	}

	// Повторная отмена — no-op.
	if err := w.orch.processCancel(context.Background(), execID); err != nil {
		t.Errorf("repeated cancel: %v", err)
	}
}

func TestLateResultForFinalizedExecutionIsConsumed(t *testing.T) {
	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{toolStep("fetch")}})
	execID := w.submit(nil)
	w.mustDeliver(execID, "fetch", domain.NoLoopIndex, true, "done")

	// Захваченная до отмены задача добежала после финализации.
	late := &domain.TaskResult{
		MessageID:   uuid.New(),
		ExecutionID: execID,
		StepID:      "fetch",
		LoopIndex:   domain.NoLoopIndex,
		OK:          true,
		Output:      "straggler",
		Attempt:     2,
		ReportedAt:  time.Now(),
	}
	w.results.add(late)

	if err := w.orch.processResult(context.Background(), late.MessageID); err != nil {
		t.Fatalf("late processResult: %v", err)
	}
	if !w.results.isConsumed(late.MessageID) {
		t.Error("late result was not consumed")
	}
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("late result changed execution status: %s", exec.Status)
	}
}

func TestMissingPlaybookVersionFailsExecution(t *testing.T) {
	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{toolStep("fetch")}})

	exec := &domain.Execution{
		ID:         uuid.New(),
		PlaybookID: w.pbID,
		Version:    99,
		Status:     domain.ExecutionRunning,
		CreatedAt:  time.Now(),
	}
	w.execs.put(exec)

	if err := w.orch.processExecution(context.Background(), exec.ID); err != nil {
		t.Fatalf("processExecution: %v", err)
	}
	if got := w.execs.get(exec.ID); got.Status != domain.ExecutionFailed {
		t.Errorf("execution status = %s, want FAILED", got.Status)
	}
}

func TestJoinStepDispatchesOnceAfterBothPredecessors(t *testing.T) {
	a := toolStep("a")
	a.Next = []domain.EdgeDef{{Step: "join"}}
	b := toolStep("b")
	b.Next = []domain.EdgeDef{{Step: "join"}}
	join := toolStep("join")
	join.When = `{{ and (done "a") (ok "b") }}`

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{a, b, join}})

	// Обе ветки уже выданы воркерам (рестарт после fan-out).
	execID := uuid.New()
	w.execs.put(&domain.Execution{
		ID:         execID,
		PlaybookID: w.pbID,
		Version:    1,
		Status:     domain.ExecutionRunning,
		CreatedAt:  time.Now(),
	})
	w.steps.seed(domain.StepState{ExecutionID: execID, StepID: "a", Status: domain.StepRunning})
	w.steps.seed(domain.StepState{ExecutionID: execID, StepID: "b", Status: domain.StepRunning})

	report := func(stepID string) {
		t.Helper()
		res := &domain.TaskResult{
			MessageID:   taskMessageID(execID, stepID, domain.NoLoopIndex),
			ExecutionID: execID,
			StepID:      stepID,
			LoopIndex:   domain.NoLoopIndex,
			OK:          true,
			Output:      stepID,
			Attempt:     1,
			ReportedAt:  time.Now(),
		}
		w.results.add(res)
		if err := w.orch.processResult(context.Background(), res.MessageID); err != nil {
			t.Fatalf("processResult %s: %v", stepID, err)
		}
	}

	// Первая ветка добежала: gate join ещё ложен, шаг паркуется.
	report("a")
	if st := w.steps.state(execID, "join"); st == nil || st.Status != domain.StepParked {
		t.Fatalf("join should be parked after first predecessor, got %+v", st)
	}
	if w.queue.find(execID, "join", domain.NoLoopIndex) != nil {
		t.Fatal("join dispatched before both predecessors finished")
	}

	// Вторая ветка: gate истинен. Join вызывается и по ребру b, и при
	// переоценке парковок — условный переход пропускает ровно один dispatch.
	report("b")
	if n := w.queue.count(execID, "join"); n != 1 {
		t.Fatalf("join enqueued %d times, want 1", n)
	}
	if st := w.steps.state(execID, "join"); st.Status != domain.StepRunning {
		t.Errorf("join status = %s, want RUNNING", st.Status)
	}

	w.mustDeliver(execID, "join", domain.NoLoopIndex, true, "merged")
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestLoopCounterWriteFailureLeavesResultReplayable(t *testing.T) {
	scan := toolStep("scan")
	scan.Loop = &domain.LoopSpec{In: `{{ json .Input.hosts }}`, As: "host"}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{scan}})
	execID := w.submit(map[string]any{"hosts": []any{"h1", "h2"}})

	w.steps.failNextIncrement()
	if err := w.deliver(execID, "scan", 0, true, "r0"); err == nil {
		t.Fatal("counter write failure should propagate")
	}

	// Результат не поглощён: polling увидит его и реплеит целиком.
	msg := w.queue.find(execID, "scan", 0)
	if w.results.isConsumed(msg.ID) {
		t.Fatal("result must stay unprocessed after counter failure")
	}
	unprocessed, err := w.results.ListUnprocessed(context.Background(), 10)
	if err != nil || len(unprocessed) != 1 {
		t.Fatalf("unprocessed results = %d (%v), want 1", len(unprocessed), err)
	}

	if err := w.orch.processResult(context.Background(), msg.ID); err != nil {
		t.Fatalf("replay processResult: %v", err)
	}
	if !w.results.isConsumed(msg.ID) {
		t.Error("replayed result was not consumed")
	}
	if st := w.steps.state(execID, "scan"); st.Loop == nil || st.Loop.Completed != 1 {
		t.Errorf("loop progress = %+v, want 1 completed", st.Loop)
	}

	w.mustDeliver(execID, "scan", 1, true, "r1")
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestDuplicateLoopResultDoesNotDoubleCount(t *testing.T) {
	walk := toolStep("walk")
	walk.Loop = &domain.LoopSpec{
		In:   `{{ json .Input.pages }}`,
		As:   "page",
		Mode: domain.LoopSequential,
	}

	w := newWorld(t, domain.PlaybookSpec{Steps: []domain.StepDef{walk}})
	execID := w.submit(map[string]any{"pages": []any{1.0, 2.0, 3.0}})

	w.mustDeliver(execID, "walk", 0, true, "p0")

	// Повторная доставка первого результата: счётчики не двигаются,
	// следующий элемент не перепрыгивается.
	msg := w.queue.find(execID, "walk", 0)
	if err := w.orch.processResult(context.Background(), msg.ID); err != nil {
		t.Fatalf("duplicate processResult: %v", err)
	}
	if st := w.steps.state(execID, "walk"); st.Loop.Completed != 1 {
		t.Errorf("loop completed = %d, want 1", st.Loop.Completed)
	}
	if n := w.queue.count(execID, "walk"); n != 2 {
		t.Errorf("queue has %d items, want 2", n)
	}

	w.mustDeliver(execID, "walk", 1, true, "p1")
	w.mustDeliver(execID, "walk", 2, true, "p2")
	if exec := w.execs.get(execID); exec.Status != domain.ExecutionOK {
		t.Errorf("execution status = %s, want OK", exec.Status)
	}
}

func TestExprContextDetachedFromLiveContext(t *testing.T) {
	exec := &domain.Execution{ID: uuid.New(), Context: map[string]any{"rows": 1.0}}
	state := NewExecState(exec, &domain.Playbook{})

	state.mu.Lock()
	ectx := state.exprContext()
	state.setContextValue("rows", 2.0)
	state.setContextValue("extra", true)
	state.mu.Unlock()

	if ectx.Context["rows"] != 1.0 {
		t.Errorf("snapshot rows = %v, want 1", ectx.Context["rows"])
	}
	if _, ok := ectx.Context["extra"]; ok {
		t.Error("expression context shares the live context map")
	}
}

func TestTimedOutEvalDoesNotShareContext(t *testing.T) {
	exec := &domain.Execution{ID: uuid.New(), Context: map[string]any{"flag": true}}
	state := NewExecState(exec, &domain.Playbook{})

	// Отставшая после таймаута горутина продолжает читать контекст
	// выражения; записи в живую карту не должны гоняться с ней.
	for i := 0; i < 64; i++ {
		state.mu.Lock()
		ectx := state.exprContext()
		state.mu.Unlock()

		_, err := expr.EvalBoolTimeout(`{{ ctx "flag" }}`, ectx, time.Nanosecond)
		if err != nil && !errors.Is(err, expr.ErrEvalTimeout) {
			t.Fatalf("eval: %v", err)
		}

		state.mu.Lock()
		state.setContextValue("flag", i%2 == 0)
		state.mu.Unlock()
	}
}

func TestTaskMessageIDIsDeterministic(t *testing.T) {
	execID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	a := taskMessageID(execID, "scan", 3)
	b := taskMessageID(execID, "scan", 3)
	if a != b {
		t.Error("same coordinates must give same id")
	}
	if taskMessageID(execID, "scan", 4) == a {
		t.Error("different loop index must give different id")
	}
	if taskMessageID(execID, "store", 3) == a {
		t.Error("different step must give different id")
	}
}
