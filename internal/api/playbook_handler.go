package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/graph"
)

// CreatePlaybook публикует версию playbook.
// POST /api/v1/playbooks
//
// Спецификация валидируется целиком; любой список ошибок отклоняет
// сабмит — частичных графов не бывает.
func (h *Handler) CreatePlaybook(w http.ResponseWriter, r *http.Request) {
	var req CreatePlaybookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	if issues := graph.Validate(&req.Spec, h.registries); len(issues) > 0 {
		result := make([]ValidationIssue, len(issues))
		for i, issue := range issues {
			result[i] = ValidationIssue{Location: issue.Location, Message: issue.Message}
		}
		ValidationFailed(w, "playbook spec rejected", result)
		return
	}

	pb := &domain.Playbook{
		Name: req.Name,
		Spec: req.Spec,
	}

	// Существующее имя получает следующую версию.
	if existing, err := h.playbooks.GetLatestByName(r.Context(), req.Name); err == nil {
		pb.ID = existing.ID
		next, err := h.playbooks.NextVersion(r.Context(), existing.ID)
		if err != nil {
			InternalError(w, h.logger, err)
			return
		}
		pb.Version = next
	} else {
		pb.ID = uuid.New()
		pb.Version = 1
	}

	if err := h.playbooks.Create(r.Context(), pb); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Created(w, PlaybookFromDomain(pb))
}

// ListPlaybooks возвращает последние версии всех playbooks.
// GET /api/v1/playbooks
func (h *Handler) ListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := h.playbooks.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]PlaybookResponse, len(playbooks))
	for i := range playbooks {
		result[i] = PlaybookFromDomain(&playbooks[i])
	}
	List(w, result, len(result))
}

// GetPlaybook возвращает последнюю версию playbook.
// GET /api/v1/playbooks/{id}
func (h *Handler) GetPlaybook(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid playbook id")
		return
	}

	pb, err := h.playbooks.GetLatest(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "playbook not found") {
		return
	}
	Success(w, PlaybookFromDomain(pb))
}

// GetPlaybookVersion возвращает конкретную версию playbook.
// GET /api/v1/playbooks/{id}/versions/{version}
func (h *Handler) GetPlaybookVersion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid playbook id")
		return
	}
	version := int(mustParseInt(r.PathValue("version"), 0))
	if version <= 0 {
		BadRequest(w, "invalid version")
		return
	}

	pb, err := h.playbooks.GetVersion(r.Context(), id, version)
	if HandleRepoError(w, h.logger, err, "playbook version not found") {
		return
	}
	Success(w, PlaybookFromDomain(pb))
}
