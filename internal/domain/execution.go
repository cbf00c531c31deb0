package domain

import (
	"time"

	"github.com/google/uuid"
)

// Execution — экземпляр выполнения playbook.
//
// Execution создаётся когда:
// - Пользователь запускает playbook вручную (через API/CLI)
// - Scheduler создаёт выполнение по расписанию
// - Шаг типа "workflow" запускает дочернее выполнение
//
// Весь мутабельный state принадлежит оркестратору: любые изменения
// контекста и статусов шагов сериализуются по execution id.
type Execution struct {
	// ID — уникальный идентификатор выполнения.
	ID uuid.UUID `json:"id"`

	// PlaybookID — ссылка на playbook.
	PlaybookID uuid.UUID `json:"playbook_id"`

	// Version — версия playbook, которая выполняется.
	Version int `json:"version"`

	// Status — текущий статус выполнения.
	Status ExecutionStatus `json:"status"`

	// Input — входные данные, переданные при запуске.
	// Неизменяемы после создания.
	Input map[string]any `json:"input,omitempty"`

	// Context — мутабельный контекст выполнения: значения, записанные
	// result pipeline (as/collect). Не содержит статусов шагов —
	// они принадлежат StepState.
	Context map[string]any `json:"context,omitempty"`

	// ParentID — выполнение-родитель для под-процессов (tool kind "workflow").
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	// Error — текст ошибки, если выполнение завершилось FAILED.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности создания
	// (например, для scheduled запусков: "{schedule_id}_{due_at}").
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// StartedAt — время старта (когда статус стал RUNNING).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если выполнение ещё не завершено.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

// IsFinished возвращает true, если выполнение завершено.
func (e *Execution) IsFinished() bool {
	return e.Status.IsTerminal()
}

// MarkOK переводит выполнение в статус OK.
func (e *Execution) MarkOK() {
	now := time.Now()
	e.Status = ExecutionOK
	e.FinishedAt = &now
}

// MarkFailed переводит выполнение в статус FAILED с ошибкой.
func (e *Execution) MarkFailed(err string) {
	now := time.Now()
	e.Status = ExecutionFailed
	e.FinishedAt = &now
	e.Error = err
}

// MarkCancelled переводит выполнение в статус CANCELLED.
func (e *Execution) MarkCancelled() {
	now := time.Now()
	e.Status = ExecutionCancelled
	e.FinishedAt = &now
}
