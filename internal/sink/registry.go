package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/telemetry"
)

// Request — одна запись в приёмник.
type Request struct {
	// Key — детерминированный ключ идемпотентности записи.
	Key string

	// ExecutionID, StepID, SinkID — координаты записи для ledger.
	ExecutionID uuid.UUID
	StepID      string
	SinkID      string

	// Config — конфигурация приёмника из спецификации шага.
	Config map[string]any

	// Value — записываемое значение (результат шага после pick).
	Value any
}

// Sink — один тип приёмника.
//
// Write обязан быть идемпотентным по req.Key: повторный вызов
// с тем же ключом не создаёт второй записи.
type Sink interface {
	Write(ctx context.Context, req Request) error
}

// Ledger — журнал выполненных записей (internal/repo.LedgerRepo).
type Ledger interface {
	TryRecord(ctx context.Context, sinkKey string, executionID uuid.UUID, stepID, sinkID string) (bool, error)
	Exists(ctx context.Context, sinkKey string) (bool, error)
}

// Registry — реестр приёмников по типу.
type Registry struct {
	sinks  map[string]Sink
	ledger Ledger
	logger *slog.Logger
}

// NewRegistry создаёт реестр.
func NewRegistry(ledger Ledger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sinks:  make(map[string]Sink),
		ledger: ledger,
		logger: logger,
	}
}

// Register регистрирует приёмник под типом kind.
func (r *Registry) Register(kind string, s Sink) {
	r.sinks[kind] = s
}

// Kinds возвращает множество зарегистрированных типов
// (для валидации спецификаций).
func (r *Registry) Kinds() map[string]bool {
	kinds := make(map[string]bool, len(r.sinks))
	for kind := range r.sinks {
		kinds[kind] = true
	}
	return kinds
}

// Write выполняет exactly-once запись.
//
// Быстрый путь: ключ уже в ledger — запись была сделана, no-op.
// Иначе запись делегируется приёмнику; идемпотентность внутри
// приёмника гарантирует безопасность гонки между проверкой и записью.
func (r *Registry) Write(ctx context.Context, key string, executionID uuid.UUID, stepID string, spec domain.SinkSpec, value any) error {
	s, ok := r.sinks[spec.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, spec.Kind)
	}

	done, err := r.ledger.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check ledger: %w", err)
	}
	if done {
		telemetry.LedgerConflicts.Inc()
		r.logger.Debug("sink write already done", "sink_key", key)
		return nil
	}

	req := Request{
		Key:         key,
		ExecutionID: executionID,
		StepID:      stepID,
		SinkID:      spec.ID,
		Config:      spec.Config,
		Value:       value,
	}
	if err := s.Write(ctx, req); err != nil {
		return fmt.Errorf("sink %s (%s): %w", spec.ID, spec.Kind, err)
	}

	telemetry.SinkWrites.Inc()
	r.logger.Debug("sink write confirmed", "sink_key", key, "kind", spec.Kind)
	return nil
}
