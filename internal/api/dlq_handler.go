package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/repo"
)

// ListDLQ возвращает записи DLQ.
// GET /api/v1/dlq?execution_id=...&status=...&limit=...
func (h *Handler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	var executionID *uuid.UUID
	if raw := r.URL.Query().Get("execution_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			BadRequest(w, "invalid execution_id")
			return
		}
		executionID = &id
	}
	status := domain.DLQStatus(r.URL.Query().Get("status"))
	limit := int(mustParseInt(r.URL.Query().Get("limit"), 100))

	entries, err := h.dlq.List(r.Context(), executionID, status, limit)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]DLQEntryResponse, len(entries))
	for i, e := range entries {
		result[i] = DLQEntryFromDomain(e)
	}
	List(w, result, len(result))
}

// GetDLQEntry возвращает запись DLQ по ID сообщения.
// GET /api/v1/dlq/{message_id}
func (h *Handler) GetDLQEntry(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(r.PathValue("message_id"))
	if err != nil {
		BadRequest(w, "invalid message id")
		return
	}

	entry, err := h.dlq.GetByMessageID(r.Context(), messageID)
	if HandleRepoError(w, h.logger, err, "dlq entry not found") {
		return
	}
	Success(w, DLQEntryFromDomain(*entry))
}

// ReplayDLQ возвращает сообщение из DLQ обратно в очередь.
// POST /api/v1/dlq/{message_id}/replay
//
// Опциональный payload_patch заменяет payload сообщения перед
// повторной постановкой. Счётчик попыток обнуляется, выполнение
// переводится обратно в RUNNING.
func (h *Handler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(r.PathValue("message_id"))
	if err != nil {
		BadRequest(w, "invalid message id")
		return
	}

	var req ReplayDLQRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
	}

	entry, err := h.dlq.GetByMessageID(r.Context(), messageID)
	if HandleRepoError(w, h.logger, err, "dlq entry not found") {
		return
	}

	if err := h.dlq.MarkReplayed(r.Context(), messageID); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			InvalidState(w, "dlq entry is not pending")
			return
		}
		HandleRepoError(w, h.logger, err, "dlq entry not found")
		return
	}

	if req.PayloadPatch != nil {
		if err := h.queue.ReplacePayload(r.Context(), messageID, req.PayloadPatch); err != nil {
			InternalError(w, h.logger, err)
			return
		}
	}
	if err := h.queue.ResetForReplay(r.Context(), messageID); err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if err := h.executions.Resume(r.Context(), entry.ExecutionID); err != nil && !errors.Is(err, repo.ErrInvalidState) {
		InternalError(w, h.logger, err)
		return
	}

	if h.publisher != nil {
		payload := mq.TaskReadyPayload{
			MessageID:   messageID,
			ExecutionID: entry.ExecutionID,
			Kind:        entry.Kind,
		}
		if err := h.publisher.PublishTaskReady(r.Context(), payload); err != nil {
			h.logger.Warn("failed to publish task.ready for replay",
				"message_id", messageID,
				"error", err,
			)
		}
	}

	h.logger.Info("dlq entry replayed",
		"message_id", messageID,
		"execution_id", entry.ExecutionID,
		"step_id", entry.StepID,
	)
	NoContent(w)
}

// DiscardDLQ помечает запись DLQ отброшенной.
// POST /api/v1/dlq/{message_id}/discard
func (h *Handler) DiscardDLQ(w http.ResponseWriter, r *http.Request) {
	messageID, err := uuid.Parse(r.PathValue("message_id"))
	if err != nil {
		BadRequest(w, "invalid message id")
		return
	}

	if err := h.dlq.MarkDiscarded(r.Context(), messageID); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			InvalidState(w, "dlq entry is not pending")
			return
		}
		HandleRepoError(w, h.logger, err, "dlq entry not found")
		return
	}
	NoContent(w)
}
