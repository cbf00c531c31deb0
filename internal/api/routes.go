package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Playbooks
	mux.Handle("GET /api/v1/playbooks", chain(http.HandlerFunc(h.ListPlaybooks)))
	mux.Handle("POST /api/v1/playbooks", chain(http.HandlerFunc(h.CreatePlaybook)))
	mux.Handle("GET /api/v1/playbooks/{id}", chain(http.HandlerFunc(h.GetPlaybook)))
	mux.Handle("GET /api/v1/playbooks/{id}/versions/{version}", chain(http.HandlerFunc(h.GetPlaybookVersion)))

	// Executions
	mux.Handle("POST /api/v1/playbooks/{id}/executions", chain(http.HandlerFunc(h.CreateExecution)))
	mux.Handle("GET /api/v1/executions", chain(http.HandlerFunc(h.ListExecutions)))
	mux.Handle("GET /api/v1/executions/{id}", chain(http.HandlerFunc(h.GetExecution)))
	mux.Handle("POST /api/v1/executions/{id}/cancel", chain(http.HandlerFunc(h.CancelExecution)))

	// DLQ
	mux.Handle("GET /api/v1/dlq", chain(http.HandlerFunc(h.ListDLQ)))
	mux.Handle("GET /api/v1/dlq/{message_id}", chain(http.HandlerFunc(h.GetDLQEntry)))
	mux.Handle("POST /api/v1/dlq/{message_id}/replay", chain(http.HandlerFunc(h.ReplayDLQ)))
	mux.Handle("POST /api/v1/dlq/{message_id}/discard", chain(http.HandlerFunc(h.DiscardDLQ)))

	// Schedules
	mux.Handle("GET /api/v1/schedules", chain(http.HandlerFunc(h.ListSchedules)))
	mux.Handle("POST /api/v1/playbooks/{id}/schedules", chain(http.HandlerFunc(h.CreateSchedule)))
	mux.Handle("GET /api/v1/schedules/{id}", chain(http.HandlerFunc(h.GetSchedule)))
	mux.Handle("PUT /api/v1/schedules/{id}/enabled", chain(http.HandlerFunc(h.SetScheduleEnabled)))
	mux.Handle("DELETE /api/v1/schedules/{id}", chain(http.HandlerFunc(h.DeleteSchedule)))
}
