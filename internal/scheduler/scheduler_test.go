package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/repo"
)

type firedRecord struct {
	id          uuid.UUID
	executionID *uuid.UUID
	nextDue     time.Time
}

type fakeScheduleStore struct {
	due      []domain.Schedule
	fired    []firedRecord
	disabled []uuid.UUID
}

func (s *fakeScheduleStore) ListDue(_ context.Context, _ time.Time, _ int) ([]domain.Schedule, error) {
	return s.due, nil
}

func (s *fakeScheduleStore) MarkFired(_ context.Context, id uuid.UUID, executionID *uuid.UUID, _ time.Time, nextDue time.Time) error {
	s.fired = append(s.fired, firedRecord{id: id, executionID: executionID, nextDue: nextDue})
	return nil
}

func (s *fakeScheduleStore) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	if !enabled {
		s.disabled = append(s.disabled, id)
	}
	return nil
}

type submitCall struct {
	playbookID     uuid.UUID
	input          map[string]any
	idempotencyKey string
}

type fakeSubmitter struct {
	calls []submitCall
	errs  map[uuid.UUID]error
}

func (f *fakeSubmitter) Submit(_ context.Context, playbookID uuid.UUID, _ int, input map[string]any, _ *uuid.UUID, idempotencyKey string) (*domain.Execution, error) {
	f.calls = append(f.calls, submitCall{playbookID: playbookID, input: input, idempotencyKey: idempotencyKey})
	if err := f.errs[playbookID]; err != nil {
		return nil, err
	}
	return &domain.Execution{ID: uuid.New(), PlaybookID: playbookID, Status: domain.ExecutionRunning}, nil
}

func testScheduler(store *fakeScheduleStore, sub *fakeSubmitter) *Scheduler {
	return New(Config{
		Schedules: store,
		Submitter: sub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func intervalSchedule(intervalSec int) domain.Schedule {
	due := time.Now().Add(-time.Minute)
	return domain.Schedule{
		ID:          uuid.New(),
		PlaybookID:  uuid.New(),
		IntervalSec: intervalSec,
		Enabled:     true,
		NextDueAt:   &due,
		Input:       map[string]any{"origin": "schedule"},
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	sched := intervalSchedule(300)
	store := &fakeScheduleStore{due: []domain.Schedule{sched}}
	sub := &fakeSubmitter{}

	if err := testScheduler(store, sub).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(sub.calls) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(sub.calls))
	}
	call := sub.calls[0]
	if call.playbookID != sched.PlaybookID {
		t.Errorf("playbook id = %s", call.playbookID)
	}
	if call.idempotencyKey != sched.IdempotencyKeyFor(*sched.NextDueAt) {
		t.Errorf("idempotency key = %q", call.idempotencyKey)
	}
	if call.input["origin"] != "schedule" {
		t.Errorf("input = %v", call.input)
	}

	if len(store.fired) != 1 {
		t.Fatalf("fired records = %d, want 1", len(store.fired))
	}
	rec := store.fired[0]
	if rec.id != sched.ID || rec.executionID == nil {
		t.Errorf("fired record = %+v", rec)
	}
	// Следующее время считается от now, без догоняющей очереди.
	if until := time.Until(rec.nextDue); until < 4*time.Minute || until > 6*time.Minute {
		t.Errorf("next due in %v, want ~5m", until)
	}
}

func TestTickMissingPlaybookAdvancesSchedule(t *testing.T) {
	sched := intervalSchedule(60)
	store := &fakeScheduleStore{due: []domain.Schedule{sched}}
	sub := &fakeSubmitter{errs: map[uuid.UUID]error{sched.PlaybookID: repo.ErrNotFound}}

	if err := testScheduler(store, sub).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(store.fired) != 1 {
		t.Fatalf("fired records = %d, want 1", len(store.fired))
	}
	if store.fired[0].executionID != nil {
		t.Error("missing playbook must not record an execution id")
	}
}

func TestTickDisablesInvalidSchedule(t *testing.T) {
	sched := intervalSchedule(60)
	sched.IntervalSec = 0 // ни cron, ни интервал
	store := &fakeScheduleStore{due: []domain.Schedule{sched}}
	sub := &fakeSubmitter{}

	if err := testScheduler(store, sub).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(store.disabled) != 1 || store.disabled[0] != sched.ID {
		t.Errorf("disabled = %v, want [%s]", store.disabled, sched.ID)
	}
	if len(store.fired) != 0 {
		t.Error("invalid schedule must not be marked fired")
	}
}

func TestTickSubmitErrorDoesNotBlockOthers(t *testing.T) {
	broken := intervalSchedule(60)
	healthy := intervalSchedule(60)
	store := &fakeScheduleStore{due: []domain.Schedule{broken, healthy}}
	sub := &fakeSubmitter{errs: map[uuid.UUID]error{broken.PlaybookID: errors.New("db down")}}

	if err := testScheduler(store, sub).Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if len(sub.calls) != 2 {
		t.Errorf("submit calls = %d, want 2", len(sub.calls))
	}
	if len(store.fired) != 1 || store.fired[0].id != healthy.ID {
		t.Errorf("fired = %+v, want only healthy schedule", store.fired)
	}
}
