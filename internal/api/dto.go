package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
)

// Playbook DTOs

// CreatePlaybookRequest — запрос на публикацию версии playbook.
// Если playbook с таким именем уже существует, создаётся новая версия.
type CreatePlaybookRequest struct {
	Name string              `json:"name"`
	Spec domain.PlaybookSpec `json:"spec"`
}

// PlaybookResponse — ответ с версией playbook.
type PlaybookResponse struct {
	ID        uuid.UUID           `json:"id"`
	Name      string              `json:"name"`
	Version   int                 `json:"version"`
	Spec      domain.PlaybookSpec `json:"spec"`
	CreatedAt time.Time           `json:"created_at"`
}

// PlaybookFromDomain конвертирует domain.Playbook в PlaybookResponse.
func PlaybookFromDomain(pb *domain.Playbook) PlaybookResponse {
	return PlaybookResponse{
		ID:        pb.ID,
		Name:      pb.Name,
		Version:   pb.Version,
		Spec:      pb.Spec,
		CreatedAt: pb.CreatedAt,
	}
}

// ValidationIssue — одна ошибка валидации спецификации.
type ValidationIssue struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

// ValidationErrorResponse — отклонённая спецификация: список ошибок,
// сабмит не принимается частично.
type ValidationErrorResponse struct {
	Error  ErrorDetail       `json:"error"`
	Issues []ValidationIssue `json:"issues"`
}

// Execution DTOs

// CreateExecutionRequest — запрос на запуск playbook.
type CreateExecutionRequest struct {
	Input          map[string]any `json:"input,omitempty"`
	Version        *int           `json:"version,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// ExecutionResponse — ответ с выполнением.
//
// Context отдаётся с отредактированными секретами.
type ExecutionResponse struct {
	ID         uuid.UUID      `json:"id"`
	PlaybookID uuid.UUID      `json:"playbook_id"`
	Version    int            `json:"version"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	ParentID   *uuid.UUID     `json:"parent_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	// Steps — статусы шагов; заполняется только в GetExecution.
	Steps []StepStateResponse `json:"steps,omitempty"`
}

// ExecutionFromDomain конвертирует domain.Execution в ExecutionResponse.
func ExecutionFromDomain(e *domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:         e.ID,
		PlaybookID: e.PlaybookID,
		Version:    e.Version,
		Status:     string(e.Status),
		Input:      domain.RedactSecrets(e.Input),
		Context:    domain.RedactSecrets(e.Context),
		ParentID:   e.ParentID,
		Error:      e.Error,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
		CreatedAt:  e.CreatedAt,
	}
}

// StepStateResponse — статус одного шага выполнения.
type StepStateResponse struct {
	StepID    string               `json:"step_id"`
	Status    string               `json:"status"`
	OK        *bool                `json:"ok,omitempty"`
	Error     string               `json:"error,omitempty"`
	Loop      *domain.LoopProgress `json:"loop,omitempty"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	DoneAt    *time.Time           `json:"done_at,omitempty"`
}

// StepStateFromDomain конвертирует domain.StepState в StepStateResponse.
func StepStateFromDomain(st domain.StepState) StepStateResponse {
	return StepStateResponse{
		StepID:    st.StepID,
		Status:    string(st.Status),
		OK:        st.OK,
		Error:     st.Error,
		Loop:      st.Loop,
		StartedAt: st.StartedAt,
		DoneAt:    st.DoneAt,
	}
}

// DLQ DTOs

// DLQEntryResponse — запись DLQ. Payload уже отредактирован
// воркером при создании записи.
type DLQEntryResponse struct {
	MessageID   uuid.UUID      `json:"message_id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Kind        string         `json:"kind"`
	LoopIndex   int            `json:"loop_index"`
	LoopKey     string         `json:"loop_key,omitempty"`
	Attempts    int            `json:"attempts"`
	ErrorClass  string         `json:"error_class"`
	LastError   string         `json:"last_error"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DLQEntryFromDomain конвертирует domain.DLQEntry в DLQEntryResponse.
func DLQEntryFromDomain(e domain.DLQEntry) DLQEntryResponse {
	return DLQEntryResponse{
		MessageID:   e.MessageID,
		ExecutionID: e.ExecutionID,
		StepID:      e.StepID,
		Kind:        e.Kind,
		LoopIndex:   e.LoopIndex,
		LoopKey:     e.LoopKey,
		Attempts:    e.Attempts,
		ErrorClass:  string(e.ErrorClass),
		LastError:   e.LastError,
		Payload:     e.Payload,
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

// ReplayDLQRequest — запрос на replay записи DLQ.
//
// PayloadPatch, если задан, заменяет payload сообщения перед
// повторной постановкой в очередь.
type ReplayDLQRequest struct {
	PayloadPatch map[string]any `json:"payload_patch,omitempty"`
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание расписания.
type CreateScheduleRequest struct {
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     bool           `json:"enabled"`
	Input       map[string]any `json:"input,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение расписания.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с расписанием.
type ScheduleResponse struct {
	ID              uuid.UUID      `json:"id"`
	PlaybookID      uuid.UUID      `json:"playbook_id"`
	Name            string         `json:"name"`
	CronExpr        string         `json:"cron_expr,omitempty"`
	IntervalSec     int            `json:"interval_sec,omitempty"`
	Timezone        string         `json:"timezone"`
	Enabled         bool           `json:"enabled"`
	NextDueAt       *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastExecutionID *uuid.UUID     `json:"last_execution_id,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:              s.ID,
		PlaybookID:      s.PlaybookID,
		Name:            s.Name,
		CronExpr:        s.CronExpr,
		IntervalSec:     s.IntervalSec,
		Timezone:        s.Timezone,
		Enabled:         s.Enabled,
		NextDueAt:       s.NextDueAt,
		LastRunAt:       s.LastRunAt,
		LastExecutionID: s.LastExecutionID,
		Input:           s.Input,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
