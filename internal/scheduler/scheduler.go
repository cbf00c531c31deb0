package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/repo"
)

const (
	defaultBatchSize    = 100
	defaultTickInterval = 10 * time.Second
)

// Submitter запускает выполнения. Реализуется api.Submitter.
//
// Ключ идемпотентности выводится из (schedule, due-time), поэтому
// несколько экземпляров планировщика не создадут дубликатов: второй
// Submit с тем же ключом вернёт уже созданное выполнение.
type Submitter interface {
	Submit(ctx context.Context, playbookID uuid.UUID, version int, input map[string]any, parentID *uuid.UUID, idempotencyKey string) (*domain.Execution, error)
}

// ScheduleStore — операции над расписаниями (internal/repo.ScheduleRepo).
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	MarkFired(ctx context.Context, id uuid.UUID, executionID *uuid.UUID, firedAt, nextDue time.Time) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// Scheduler периодически проверяет расписания и запускает playbooks,
// чьё время наступило.
type Scheduler struct {
	schedules ScheduleStore
	submitter Submitter
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Submitter Submitter
	Logger    *slog.Logger

	// BatchSize — максимум расписаний за один тик. Default: 100.
	BatchSize int

	// TickInterval — период проверки расписаний. Default: 10s.
	TickInterval time.Duration
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		submitter: cfg.Submitter,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run крутит тики до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick_interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick обрабатывает все due-расписания. Ошибка одного расписания
// не блокирует остальные.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	due, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(due))

	var fired int
	for i := range due {
		if err := s.fire(ctx, &due[i], now); err != nil {
			s.logger.Error("failed to fire schedule",
				"schedule_id", due[i].ID,
				"schedule_name", due[i].Name,
				"error", err,
			)
			continue
		}
		fired++
	}

	s.logger.Info("scheduler tick completed", "due", len(due), "fired", fired)
	return nil
}

// fire запускает playbook по расписанию и сдвигает next_due_at.
func (s *Scheduler) fire(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	dueAt := now
	if sched.NextDueAt != nil {
		dueAt = *sched.NextDueAt
	}

	exec, err := s.submitter.Submit(ctx, sched.PlaybookID, 0, sched.Input, nil, sched.IdempotencyKeyFor(dueAt))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Playbook удалён; расписание оставляем, пропускаем запуск.
			s.logger.Warn("playbook not found for schedule, skipping",
				"schedule_id", sched.ID,
				"playbook_id", sched.PlaybookID,
			)
			return s.advance(ctx, sched, nil, now)
		}
		return fmt.Errorf("submit execution: %w", err)
	}

	s.logger.Info("fired schedule",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"execution_id", exec.ID,
		"due_at", dueAt,
	)

	return s.advance(ctx, sched, &exec.ID, now)
}

// advance вычисляет следующее время запуска и фиксирует запуск.
//
// Следующее время считается от now, а не от due-времени: после
// простоя планировщика расписание стреляет один раз, без догоняющей
// очереди пропущенных запусков.
func (s *Scheduler) advance(ctx context.Context, sched *domain.Schedule, executionID *uuid.UUID, now time.Time) error {
	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// Некорректное расписание: отключаем, чтобы не стрелять каждым тиком.
		s.logger.Error("failed to calculate next due, disabling schedule",
			"schedule_id", sched.ID,
			"error", err,
		)
		return s.schedules.SetEnabled(ctx, sched.ID, false)
	}

	if err := s.schedules.MarkFired(ctx, sched.ID, executionID, now, nextDue); err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	return nil
}
