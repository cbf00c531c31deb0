package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
)

// Узкие интерфейсы хранилищ. Реализуются пакетом repo;
// в тестах подменяются in-memory фейками.

// ExecutionStore — операции над выполнениями.
type ExecutionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	ListRunning(ctx context.Context, limit int) ([]domain.Execution, error)
	UpdateStatus(ctx context.Context, exec *domain.Execution) error
	SetContextValue(ctx context.Context, id uuid.UUID, name string, value any) error
	Resume(ctx context.Context, id uuid.UUID) error
}

// PlaybookStore — чтение версий playbook.
type PlaybookStore interface {
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*domain.Playbook, error)
}

// StepStore — состояния шагов, счётчики циклов, collect-элементы.
type StepStore interface {
	Ensure(ctx context.Context, executionID uuid.UUID, stepID string) error
	Get(ctx context.Context, executionID uuid.UUID, stepID string) (*domain.StepState, error)
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]domain.StepState, error)
	TryDispatch(ctx context.Context, executionID uuid.UUID, stepID string) (bool, error)
	Park(ctx context.Context, executionID uuid.UUID, stepID string) error
	MarkDone(ctx context.Context, executionID uuid.UUID, stepID string, ok bool, errText string) error
	SetLoopTotal(ctx context.Context, executionID uuid.UUID, stepID string, total int) error
	// IncrementLoop идемпотентен по loopIndex: повторная интеграция
	// того же элемента возвращает счётчики без изменения.
	IncrementLoop(ctx context.Context, executionID uuid.UUID, stepID string, loopIndex int, ok bool) (*domain.LoopProgress, error)
	MarkEarlyExit(ctx context.Context, executionID uuid.UUID, stepID string) error
	AppendCollectItem(ctx context.Context, executionID uuid.UUID, stepID, target, loopKey string, loopIndex int, item any) error
	CollectList(ctx context.Context, executionID uuid.UUID, stepID, target string) ([]any, error)
	CollectMap(ctx context.Context, executionID uuid.UUID, stepID, target string) (map[string]any, error)
}

// TaskQueue — долговечная очередь задач.
type TaskQueue interface {
	Enqueue(ctx context.Context, msg *domain.QueueMessage) error
	CancelPending(ctx context.Context, executionID uuid.UUID) error
	InFlightCount(ctx context.Context) (int, error)
}

// ResultStore — отчёты воркеров.
type ResultStore interface {
	GetByMessageID(ctx context.Context, messageID uuid.UUID) (*domain.TaskResult, error)
	Consume(ctx context.Context, messageID uuid.UUID) (bool, error)
	ListUnprocessed(ctx context.Context, limit int) ([]domain.TaskResult, error)
}

// SinkWriter — слой exactly-once записи результатов (internal/sink).
//
// Write идемпотентен по ключу: повторный вызов с тем же ключом
// не выполняет запись второй раз и возвращает nil.
type SinkWriter interface {
	Write(ctx context.Context, key string, executionID uuid.UUID, stepID string, spec domain.SinkSpec, value any) error
}

// EventPublisher — публикация будильников для воркеров.
type EventPublisher interface {
	PublishTaskReady(ctx context.Context, messageID, executionID uuid.UUID, kind string) error
}

// Clock позволяет подменять время в тестах.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
