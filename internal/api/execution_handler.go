package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/repo"
)

// CreateExecution запускает playbook.
// POST /api/v1/playbooks/{id}/executions
func (h *Handler) CreateExecution(w http.ResponseWriter, r *http.Request) {
	playbookID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid playbook id")
		return
	}

	var req CreateExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	version := 0
	if req.Version != nil {
		version = *req.Version
	}

	exec, err := h.submitter.Submit(r.Context(), playbookID, version, req.Input, nil, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			NotFound(w, "playbook not found")
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	Created(w, ExecutionFromDomain(exec))
}

// ListExecutions возвращает список выполнений.
// GET /api/v1/executions?status=...&limit=...
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	status := domain.ExecutionStatus(r.URL.Query().Get("status"))
	limit := int(mustParseInt(r.URL.Query().Get("limit"), 50))

	executions, err := h.executions.List(r.Context(), status, limit)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]ExecutionResponse, len(executions))
	for i := range executions {
		result[i] = ExecutionFromDomain(&executions[i])
	}
	List(w, result, len(result))
}

// GetExecution возвращает выполнение со статусами шагов.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.executions.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "execution not found") {
		return
	}

	steps, err := h.steps.ListByExecution(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := ExecutionFromDomain(exec)
	result.Steps = make([]StepStateResponse, len(steps))
	for i, st := range steps {
		result.Steps[i] = StepStateFromDomain(st)
	}
	Success(w, result)
}

// CancelExecution отменяет выполнение.
// POST /api/v1/executions/{id}/cancel
//
// Отмена убирает из очереди недиспетчеризованные сообщения;
// захваченные задачи доработают, их результаты будут проглочены.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.executions.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "execution not found") {
		return
	}
	if exec.IsFinished() {
		InvalidState(w, "execution is already finished")
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishExecutionCancelled(r.Context(), id); err != nil {
			h.logger.Warn("failed to publish execution.cancelled",
				"execution_id", id,
				"error", err,
			)
		}
	} else {
		// Без брокера отменяем напрямую.
		if err := h.queue.CancelPending(r.Context(), id); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		exec.MarkCancelled()
		if err := h.executions.UpdateStatus(r.Context(), exec); err != nil && !errors.Is(err, repo.ErrInvalidState) {
			InternalError(w, h.logger, err)
			return
		}
	}

	Success(w, ExecutionFromDomain(exec))
}

// mustParseInt парсит строку в int64 с дефолтным значением.
func mustParseInt(s string, defaultVal int64) int64 {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
