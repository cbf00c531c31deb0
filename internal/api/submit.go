package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/repo"
)

// Submitter создаёт выполнения: API, scheduler и workflow-плагин
// проходят через один и тот же путь сабмита.
type Submitter struct {
	playbooks  *repo.PlaybookRepo
	executions *repo.ExecutionRepo
	publisher  *mq.Publisher
	logger     *slog.Logger
}

// NewSubmitter создаёт Submitter. publisher может быть nil —
// оркестратор подхватит выполнение по polling.
func NewSubmitter(playbooks *repo.PlaybookRepo, executions *repo.ExecutionRepo, publisher *mq.Publisher, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		playbooks:  playbooks,
		executions: executions,
		publisher:  publisher,
		logger:     logger,
	}
}

// Submit создаёт выполнение playbook.
//
// version <= 0 означает последнюю версию. Непустой idempotencyKey
// делает сабмит идемпотентным: повтор с тем же ключом возвращает
// существующее выполнение.
func (s *Submitter) Submit(ctx context.Context, playbookID uuid.UUID, version int, input map[string]any, parentID *uuid.UUID, idempotencyKey string) (*domain.Execution, error) {
	var pb *domain.Playbook
	var err error
	if version > 0 {
		pb, err = s.playbooks.GetVersion(ctx, playbookID, version)
	} else {
		pb, err = s.playbooks.GetLatest(ctx, playbookID)
	}
	if err != nil {
		return nil, fmt.Errorf("load playbook: %w", err)
	}

	if idempotencyKey != "" {
		existing, err := s.executions.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("check idempotency key: %w", err)
		}
	}

	now := time.Now()
	exec := &domain.Execution{
		ID:             uuid.New(),
		PlaybookID:     pb.ID,
		Version:        pb.Version,
		Status:         domain.ExecutionRunning,
		Input:          input,
		Context:        make(map[string]any),
		ParentID:       parentID,
		IdempotencyKey: idempotencyKey,
		StartedAt:      &now,
		CreatedAt:      now,
	}

	if err := s.executions.Create(ctx, exec); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) && idempotencyKey != "" {
			// Гонка двух сабмитов с одним ключом.
			return s.executions.GetByIdempotencyKey(ctx, idempotencyKey)
		}
		return nil, fmt.Errorf("create execution: %w", err)
	}

	s.logger.Info("execution submitted",
		"execution_id", exec.ID,
		"playbook_id", pb.ID,
		"version", pb.Version,
	)

	if s.publisher != nil {
		if err := s.publisher.PublishExecutionSubmitted(ctx, exec.ID); err != nil {
			s.logger.Warn("failed to publish execution.submitted",
				"execution_id", exec.ID,
				"error", err,
			)
		}
	}

	return exec, nil
}

// Launch реализует plugin.Launcher для workflow-плагина.
func (s *Submitter) Launch(ctx context.Context, playbookID uuid.UUID, version int, input map[string]any, parentID uuid.UUID, idempotencyKey string) (uuid.UUID, error) {
	exec, err := s.Submit(ctx, playbookID, version, input, &parentID, idempotencyKey)
	if err != nil {
		return uuid.Nil, err
	}
	return exec.ID, nil
}

// Status реализует plugin.Launcher.
func (s *Submitter) Status(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error) {
	return s.executions.GetByID(ctx, executionID)
}
