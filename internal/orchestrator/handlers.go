package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/repo"
)

// handleExecutionSubmitted обрабатывает событие о новом выполнении.
func (o *Orchestrator) handleExecutionSubmitted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionSubmittedPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.submitted payload", "error", err)
		return err
	}

	o.logger.Debug("received execution.submitted event", "execution_id", payload.ExecutionID)

	if o.getActive(payload.ExecutionID) != nil {
		return nil
	}

	if err := o.processExecution(ctx, payload.ExecutionID); err != nil {
		if errors.Is(err, ErrExecutionAlreadyActive) || errors.Is(err, ErrExecutionNotRunning) {
			return nil
		}
		o.logger.Error("failed to process execution",
			"execution_id", payload.ExecutionID,
			"error", err,
		)
		return err
	}
	return nil
}

// handleExecutionCancelled обрабатывает запрос отмены выполнения.
func (o *Orchestrator) handleExecutionCancelled(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.ExecutionCancelledPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse execution.cancelled payload", "error", err)
		return err
	}

	return o.processCancel(ctx, payload.ExecutionID)
}

// handleTaskResult обрабатывает событие о сохранённом результате.
func (o *Orchestrator) handleTaskResult(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskResultPayload](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse task.result payload", "error", err)
		return err
	}

	o.logger.Debug("received task.result event",
		"message_id", payload.MessageID,
		"execution_id", payload.ExecutionID,
		"step_id", payload.StepID,
	)

	return o.processResult(ctx, payload.MessageID)
}

// processExecution начинает обработку выполнения: загружает состояние,
// восстанавливает прогресс после рестарта и вызывает входной шаг.
func (o *Orchestrator) processExecution(ctx context.Context, id uuid.UUID) error {
	state, err := o.activateExecution(ctx, id)
	if err != nil || state == nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	o.logger.Info("execution started",
		"execution_id", id,
		"playbook_id", state.Execution.PlaybookID,
		"version", state.Execution.Version,
		"steps", state.Graph.Size(),
	)

	if state.Graph.Entry == "" {
		return o.failExecution(ctx, state, "playbook has no steps")
	}

	// Входной шаг: идемпотентно — если он уже RUNNING/DONE, call — no-op.
	if err := o.call(ctx, state, state.Graph.Entry); err != nil {
		return err
	}

	// После рестарта контекст мог продвинуться дальше парковок.
	if err := o.reevaluateParked(ctx, state); err != nil {
		return err
	}
	return o.maybeFinishExecution(ctx, state)
}

// processResult интегрирует результат задачи по его message id.
func (o *Orchestrator) processResult(ctx context.Context, messageID uuid.UUID) error {
	res, err := o.results.GetByMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get task result: %w", err)
	}

	state := o.getActive(res.ExecutionID)
	if state == nil {
		state, err = o.restoreExecution(ctx, res.ExecutionID)
		if err != nil {
			return err
		}
		if state == nil {
			// Выполнение финализировано: поглощаем поздний результат.
			_, err := o.results.Consume(ctx, res.MessageID)
			return err
		}
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return o.integrateResult(ctx, state, res)
}

// processCancel отменяет выполнение: снимает невыданные задачи,
// финализирует статус. Захваченные задачи добегают, их результаты
// поглощаются без интеграции. Подтверждённые ledger'ом записи sink
// не откатываются.
func (o *Orchestrator) processCancel(ctx context.Context, id uuid.UUID) error {
	exec, err := o.execStore.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get execution: %w", err)
	}
	if exec.IsFinished() {
		return nil
	}

	if err := o.queue.CancelPending(ctx, id); err != nil {
		return err
	}

	exec.MarkCancelled()
	if err := o.execStore.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}

	o.removeActive(id)
	o.logger.Info("execution cancelled", "execution_id", id)
	return nil
}

// activateExecution загружает выполнение и добавляет его в активные.
// Возвращает (nil, nil), если выполнение уже финализировано.
func (o *Orchestrator) activateExecution(ctx context.Context, id uuid.UUID) (*ExecState, error) {
	exec, err := o.execStore.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	if exec.IsFinished() {
		return nil, nil
	}

	pb, err := o.playbookStore.GetVersion(ctx, exec.PlaybookID, exec.Version)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			state := NewExecState(exec, &domain.Playbook{})
			return nil, o.failExecution(ctx, state, fmt.Sprintf("playbook version not found: %s v%d", exec.PlaybookID, exec.Version))
		}
		return nil, fmt.Errorf("get playbook version: %w", err)
	}

	state := NewExecState(exec, pb)

	states, err := o.stepStore.ListByExecution(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list step states: %w", err)
	}
	state.RestoreFromStates(states)

	if err := o.addActive(state); err != nil {
		if errors.Is(err, ErrExecutionAlreadyActive) {
			return o.getActive(id), nil
		}
		return nil, err
	}
	return state, nil
}

// restoreExecution восстанавливает состояние выполнения из БД
// (результат пришёл для выполнения, которого нет в памяти).
func (o *Orchestrator) restoreExecution(ctx context.Context, id uuid.UUID) (*ExecState, error) {
	state, err := o.activateExecution(ctx, id)
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if state != nil {
		o.logger.Info("execution state restored",
			"execution_id", id,
			"stats", state.Stats(),
		)
	}
	return state, nil
}
