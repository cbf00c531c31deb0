package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/expr"
	"github.com/shaiso/Kontur/internal/graph"
	"github.com/shaiso/Kontur/internal/telemetry"
)

// Машина состояний шага: call → gate → dispatch → done.
// Все функции файла вызываются под state.mu.

// call вызывает шаг: проверяет gate и диспетчеризует либо паркует.
//
// Повторный вызов завершённого или запущенного шага — no-op.
// Парковка не имеет побочных эффектов и безопасна сколько угодно раз;
// побочные эффекты есть только у перехода в RUNNING, и он происходит
// не более одного раза (условный UPDATE в StepStore).
func (o *Orchestrator) call(ctx context.Context, state *ExecState, stepID string) error {
	node := state.Graph.Node(stepID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}

	st, err := o.loadStep(ctx, state, stepID)
	if err != nil {
		return err
	}
	if st.Status == domain.StepRunning || st.Status == domain.StepDone {
		return nil
	}

	ectx := state.exprContext()
	pass, err := expr.EvalBoolTimeout(node.Step.When, ectx, o.evalTimeout)
	if err != nil {
		if o.failOnGateErr {
			o.logger.Warn("gate evaluation failed, failing step",
				"execution_id", state.ID(),
				"step_id", stepID,
				"error", err,
			)
			return o.failStep(ctx, state, node, fmt.Sprintf("gate: %v", err))
		}
		// Политика по умолчанию: ошибка/таймаут gate эквивалентны false.
		o.logger.Warn("gate evaluation failed, treating as false",
			"execution_id", state.ID(),
			"step_id", stepID,
			"error", err,
		)
		pass = false
	}

	if !pass {
		if st.Status != domain.StepParked {
			if err := o.stepStore.Park(ctx, state.ID(), stepID); err != nil {
				return err
			}
			st.Status = domain.StepParked
			o.logger.Debug("step parked",
				"execution_id", state.ID(),
				"step_id", stepID,
			)
		}
		return nil
	}

	return o.dispatch(ctx, state, node)
}

// dispatch переводит шаг в RUNNING и ставит его работу в очередь.
func (o *Orchestrator) dispatch(ctx context.Context, state *ExecState, node *graph.Node) error {
	owned, err := o.stepStore.TryDispatch(ctx, state.ID(), node.ID)
	if err != nil {
		return err
	}
	if !owned {
		// Конкурентный или повторный dispatch: владелец уже есть.
		return nil
	}

	st := state.step(node.ID)
	now := o.clock.Now()
	st.Status = domain.StepRunning
	st.StartedAt = &now

	o.logger.Debug("step dispatched",
		"execution_id", state.ID(),
		"step_id", node.ID,
		"loop", node.HasLoop(),
	)

	// Чисто маршрутный шаг: нет плагина — завершается сразу.
	if !node.HasTool() {
		return o.finishStep(ctx, state, node, true, "")
	}

	if node.HasLoop() {
		return o.dispatchLoop(ctx, state, node)
	}

	return o.enqueueTask(ctx, state, node, domain.NoLoopIndex, "", nil, priorityStep)
}

// enqueueTask рендерит payload и ставит сообщение в очередь задач.
//
// ID сообщения детерминирован по (execution, step, loop index):
// повторная постановка после сбоя между dispatch и enqueue идемпотентна.
func (o *Orchestrator) enqueueTask(ctx context.Context, state *ExecState, node *graph.Node, loopIndex int, loopKey string, element any, priority int) error {
	ectx := state.exprContext()
	if loopIndex != domain.NoLoopIndex {
		ectx = ectx.WithLoop(&expr.LoopVars{
			Element: element,
			Index:   loopIndex,
			Key:     loopKey,
			Name:    node.Step.Loop.As,
		})
	}

	payload, err := o.buildPayload(state, node, ectx, loopIndex, loopKey)
	if err != nil {
		return fmt.Errorf("render payload for %s: %w", node.ID, err)
	}

	msg := &domain.QueueMessage{
		ID:          taskMessageID(state.ID(), node.ID, loopIndex),
		ExecutionID: state.ID(),
		StepID:      node.ID,
		Kind:        node.Step.Tool.Kind,
		LoopIndex:   loopIndex,
		LoopKey:     loopKey,
		Payload:     payload,
		Priority:    priority,
		Status:      domain.MessageQueued,
		NotBefore:   o.clock.Now(),
		CreatedAt:   o.clock.Now(),
	}

	if err := o.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	telemetry.TasksDispatched.Inc()

	if o.publisher != nil {
		if err := o.publisher.PublishTaskReady(ctx, msg.ID, state.ID(), msg.Kind); err != nil {
			// Сообщение уже в БД — воркер заберёт его по polling.
			o.logger.Warn("failed to publish task.ready",
				"message_id", msg.ID,
				"execution_id", state.ID(),
				"error", err,
			)
		}
	}

	o.logger.Debug("task enqueued",
		"message_id", msg.ID,
		"execution_id", state.ID(),
		"step_id", node.ID,
		"kind", msg.Kind,
		"loop_index", loopIndex,
	)

	return nil
}

// buildPayload собирает payload сообщения: отрендеренные config/args
// плагина плюс действующие retry/timeout настройки.
func (o *Orchestrator) buildPayload(state *ExecState, node *graph.Node, ectx *expr.Context, loopIndex int, loopKey string) (map[string]any, error) {
	tool := node.Step.Tool

	config, err := expr.RenderConfig(tool.Config, ectx)
	if err != nil {
		return nil, err
	}
	args, err := expr.RenderConfig(tool.Args, ectx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"kind":   tool.Kind,
		"config": config,
		"args":   args,
	}

	spec := &state.Playbook.Spec
	if timeout := spec.TimeoutFor(node.Step); timeout > 0 {
		payload["timeout_sec"] = timeout
	}
	if rp := spec.RetryFor(node.Step); rp != nil {
		payload["retry"] = map[string]any{
			"max_attempts":  rp.MaxAttempts,
			"base_delay_ms": rp.BaseDelayMs,
			"max_delay_ms":  rp.MaxDelayMs,
		}
	}
	if loopIndex != domain.NoLoopIndex {
		payload["loop"] = map[string]any{
			"index": loopIndex,
			"key":   loopKey,
			"as":    node.Step.Loop.As,
		}
	}

	return payload, nil
}

// finishStep завершает шаг и продолжает граф: маршрутизация,
// перепроверка припаркованных шагов, проверка завершения выполнения.
func (o *Orchestrator) finishStep(ctx context.Context, state *ExecState, node *graph.Node, ok bool, errText string) error {
	if err := o.stepStore.MarkDone(ctx, state.ID(), node.ID, ok, errText); err != nil {
		return err
	}

	st := state.step(node.ID)
	now := o.clock.Now()
	st.Status = domain.StepDone
	st.OK = &ok
	st.Error = errText
	st.DoneAt = &now
	delete(state.loops, node.ID)

	o.logger.Info("step done",
		"execution_id", state.ID(),
		"step_id", node.ID,
		"ok", ok,
	)

	// Маршрутизация: первое ребро с истинным условием.
	ectx := state.exprContext()
	if target, matched := Route(node.Edges, ectx, o.evalTimeout); matched {
		if err := o.call(ctx, state, target); err != nil {
			return err
		}
	}

	// Шаг завершился — контекст и статусы изменились:
	// перепроверяем припаркованные шаги.
	if err := o.reevaluateParked(ctx, state); err != nil {
		return err
	}

	return o.maybeFinishExecution(ctx, state)
}

// failStep применяет политику обработки падения шага.
//
//   - halt (по умолчанию): выполнение → FAILED, шаг остаётся RUNNING,
//     чтобы replay из DLQ мог продолжить выполнение.
//   - continue: шаг → DONE(failed), соседние ветки добегают,
//     итоговый статус выполнения — FAILED.
//   - route: шаг → DONE(failed), управление уходит на ребро on_error;
//     перехваченное падение не валит выполнение.
func (o *Orchestrator) failStep(ctx context.Context, state *ExecState, node *graph.Node, errText string) error {
	policy := state.Playbook.Spec.FailurePolicy()

	if policy == domain.FailureRoute && node.Step.OnError != "" {
		if err := o.stepStore.MarkDone(ctx, state.ID(), node.ID, false, errText); err != nil {
			return err
		}
		o.markStepFailedLocal(state, node.ID, errText)

		o.logger.Warn("step failed, routing to error edge",
			"execution_id", state.ID(),
			"step_id", node.ID,
			"on_error", node.Step.OnError,
			"error", errText,
		)
		if err := o.call(ctx, state, node.Step.OnError); err != nil {
			return err
		}
		if err := o.reevaluateParked(ctx, state); err != nil {
			return err
		}
		return o.maybeFinishExecution(ctx, state)
	}

	if policy == domain.FailureContinue || (policy == domain.FailureRoute && node.Step.OnError == "") {
		if err := o.stepStore.MarkDone(ctx, state.ID(), node.ID, false, errText); err != nil {
			return err
		}
		o.markStepFailedLocal(state, node.ID, errText)
		state.unhandledFailure = true

		o.logger.Warn("step failed, continuing",
			"execution_id", state.ID(),
			"step_id", node.ID,
			"error", errText,
		)
		if err := o.reevaluateParked(ctx, state); err != nil {
			return err
		}
		return o.maybeFinishExecution(ctx, state)
	}

	// halt: шаг намеренно не завершается — replay из DLQ сможет
	// доставить успешный результат и продолжить выполнение.
	state.unhandledFailure = true
	return o.failExecution(ctx, state, fmt.Sprintf("step %s: %s", node.ID, errText))
}

// markStepFailedLocal обновляет кэш состояния упавшего шага.
func (o *Orchestrator) markStepFailedLocal(state *ExecState, stepID, errText string) {
	st := state.step(stepID)
	if st == nil {
		return
	}
	now := o.clock.Now()
	failed := false
	st.Status = domain.StepDone
	st.OK = &failed
	st.Error = errText
	st.DoneAt = &now
	delete(state.loops, stepID)
}

// reevaluateParked перепроверяет gate всех припаркованных шагов.
//
// Вызывается после каждого события, меняющего контекст или статусы.
// Перепроверка без побочных эффектов: парковка идемпотентна.
func (o *Orchestrator) reevaluateParked(ctx context.Context, state *ExecState) error {
	for _, stepID := range state.parkedSteps() {
		if err := o.call(ctx, state, stepID); err != nil {
			return err
		}
	}
	return nil
}

// maybeFinishExecution финализирует выполнение, когда ни один шаг
// не остаётся активным.
func (o *Orchestrator) maybeFinishExecution(ctx context.Context, state *ExecState) error {
	if state.Execution.IsFinished() {
		return nil
	}
	if state.hasRunningSteps() {
		return nil
	}

	exec := state.Execution
	if state.unhandledFailure {
		exec.MarkFailed("one or more steps failed")
	} else {
		exec.MarkOK()
	}

	if err := o.execStore.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}

	o.logger.Info("execution finished",
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", exec.Duration(),
	)

	o.removeActive(exec.ID)
	return nil
}

// failExecution переводит выполнение в FAILED (halt-политика).
func (o *Orchestrator) failExecution(ctx context.Context, state *ExecState, errText string) error {
	exec := state.Execution
	exec.MarkFailed(errText)

	if err := o.execStore.UpdateStatus(ctx, exec); err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}

	o.logger.Warn("execution failed",
		"execution_id", exec.ID,
		"error", errText,
	)

	o.removeActive(exec.ID)
	return nil
}

// loadStep возвращает состояние шага, создавая PENDING-запись при
// первом обращении.
func (o *Orchestrator) loadStep(ctx context.Context, state *ExecState, stepID string) (*domain.StepState, error) {
	if st := state.step(stepID); st != nil {
		return st, nil
	}

	if err := o.stepStore.Ensure(ctx, state.ID(), stepID); err != nil {
		return nil, err
	}
	st, err := o.stepStore.Get(ctx, state.ID(), stepID)
	if err != nil {
		return nil, err
	}
	state.setStep(st)
	return st, nil
}

// taskMessageID строит детерминированный ID сообщения очереди.
func taskMessageID(executionID uuid.UUID, stepID string, loopIndex int) uuid.UUID {
	name := fmt.Sprintf("kontur:%s:%s:%d", executionID, stepID, loopIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}
