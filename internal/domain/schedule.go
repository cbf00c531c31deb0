package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule — расписание автоматического запуска playbook.
//
// Задаётся либо cron-выражением, либо фиксированным интервалом.
// Ключ идемпотентности запуска выводится из (schedule, due-time),
// поэтому несколько планировщиков не создадут дубликатов.
type Schedule struct {
	// ID — уникальный идентификатор расписания.
	ID uuid.UUID `json:"id"`

	// PlaybookID — запускаемый playbook (последняя версия).
	PlaybookID uuid.UUID `json:"playbook_id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty"`

	// CronExpr — cron-выражение. Пустое, если задан IntervalSec.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал запуска в секундах. 0, если задан CronExpr.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс вычисления cron-выражения.
	Timezone string `json:"timezone,omitempty"`

	// Enabled — false отключает расписание без удаления.
	Enabled bool `json:"enabled"`

	// NextDueAt — ближайшее запланированное время запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastExecutionID — ID последнего созданного выполнения.
	LastExecutionID *uuid.UUID `json:"last_execution_id,omitempty"`

	// Input — workload-переопределения для каждого запуска.
	Input map[string]any `json:"input,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron сообщает, задано ли расписание cron-выражением.
func (s *Schedule) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval сообщает, задано ли расписание фиксированным интервалом.
func (s *Schedule) IsInterval() bool {
	return s.IntervalSec > 0
}

// IdempotencyKeyFor возвращает ключ идемпотентности запуска
// для конкретного запланированного времени.
func (s *Schedule) IdempotencyKeyFor(due time.Time) string {
	return "sched:" + s.ID.String() + ":" + due.UTC().Format(time.RFC3339)
}
