package api

import (
	"log/slog"

	"github.com/shaiso/Kontur/internal/graph"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/repo"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	playbooks  *repo.PlaybookRepo
	executions *repo.ExecutionRepo
	steps      *repo.StepRepo
	queue      *repo.QueueRepo
	dlq        *repo.DLQRepo
	schedules  *repo.ScheduleRepo
	submitter  *Submitter
	publisher  *mq.Publisher
	registries graph.Registries
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Playbooks  *repo.PlaybookRepo
	Executions *repo.ExecutionRepo
	Steps      *repo.StepRepo
	Queue      *repo.QueueRepo
	DLQ        *repo.DLQRepo
	Schedules  *repo.ScheduleRepo
	Submitter  *Submitter

	// Publisher — событийная шина; nil допустим, оркестратор
	// подхватит изменения по polling.
	Publisher *mq.Publisher

	// Registries — известные виды плагинов и sink'ов для валидации
	// спецификаций при публикации.
	Registries graph.Registries

	Logger *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		playbooks:  cfg.Playbooks,
		executions: cfg.Executions,
		steps:      cfg.Steps,
		queue:      cfg.Queue,
		dlq:        cfg.DLQ,
		schedules:  cfg.Schedules,
		submitter:  cfg.Submitter,
		publisher:  cfg.Publisher,
		registries: cfg.Registries,
		logger:     logger,
	}
}
