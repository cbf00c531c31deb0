package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
)

const defaultChildPollInterval = 2 * time.Second

// Launcher — запуск и наблюдение дочерних выполнений.
//
// Реализуется сервисом сабмита (internal/api.Submitter): создание
// execution-строки и публикация события execution.submitted.
// idempotencyKey защищает от дублей при передоставке сообщения.
type Launcher interface {
	Launch(ctx context.Context, playbookID uuid.UUID, version int, input map[string]any, parentID uuid.UUID, idempotencyKey string) (uuid.UUID, error)
	Status(ctx context.Context, executionID uuid.UUID) (*domain.Execution, error)
}

// WorkflowPlugin — плагин типа "workflow": запуск дочернего выполнения.
//
// Config:
//   - playbook_id (string): UUID дочернего playbook (обязательно)
//   - version (number): версия playbook; 0 — последняя
//   - wait (bool): ждать завершения дочернего выполнения. Default: false
//   - poll_interval_sec (number): период опроса статуса при wait. Default: 2
//
// Args — входные данные дочернего выполнения.
//
// Output:
//   - execution_id (string): ID дочернего выполнения
//   - status (string): статус на момент отчёта (при wait — терминальный)
//   - context (map): контекст дочернего выполнения (только при wait)
//
// При wait неуспех дочернего выполнения — fatal ошибка: повтор создал бы
// второе дочернее выполнение, а не исправил первое.
type WorkflowPlugin struct {
	launcher Launcher
}

// NewWorkflowPlugin создаёт плагин поверх launcher'а.
func NewWorkflowPlugin(launcher Launcher) *WorkflowPlugin {
	return &WorkflowPlugin{launcher: launcher}
}

// Execute запускает дочернее выполнение.
func (p *WorkflowPlugin) Execute(ctx context.Context, call Call) (*Result, error) {
	rawID := getString(call.Config, "playbook_id", "")
	if rawID == "" {
		return nil, Fatal(fmt.Errorf("%w: workflow plugin requires \"playbook_id\"", ErrBadConfig))
	}
	playbookID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, Fatal(fmt.Errorf("%w: bad playbook_id %q: %v", ErrBadConfig, rawID, err))
	}
	version := int(getFloat(call.Config, "version", 0))

	// Детерминированный ключ: передоставка того же вызова
	// возвращает уже созданное дочернее выполнение.
	idempotencyKey := fmt.Sprintf("child:%s:%s", call.ExecutionID, call.StepID)

	childID, err := p.launcher.Launch(ctx, playbookID, version, call.Args, call.ExecutionID, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("launch child execution: %w", err)
	}

	logs := []string{fmt.Sprintf("launched child execution %s", childID)}

	if !getBool(call.Config, "wait") {
		return &Result{
			Output: map[string]any{
				"execution_id": childID.String(),
				"status":       string(domain.ExecutionRunning),
			},
			Logs: logs,
		}, nil
	}

	child, err := p.waitChild(ctx, childID, call.Config)
	if err != nil {
		return &Result{
			Output: map[string]any{"execution_id": childID.String()},
			Logs:   logs,
		}, err
	}

	result := &Result{
		Output: map[string]any{
			"execution_id": childID.String(),
			"status":       string(child.Status),
			"context":      child.Context,
		},
		Logs: append(logs, fmt.Sprintf("child finished: %s", child.Status)),
	}
	if child.Status != domain.ExecutionOK {
		return result, Fatal(fmt.Errorf("child execution %s finished %s: %s", childID, child.Status, child.Error))
	}
	return result, nil
}

// waitChild опрашивает статус до терминального или отмены контекста.
func (p *WorkflowPlugin) waitChild(ctx context.Context, childID uuid.UUID, config map[string]any) (*domain.Execution, error) {
	interval := defaultChildPollInterval
	if sec := getFloat(config, "poll_interval_sec", 0); sec > 0 {
		interval = time.Duration(sec * float64(time.Second))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		child, err := p.launcher.Status(ctx, childID)
		if err != nil {
			return nil, Retryable(fmt.Errorf("child status: %w", err))
		}
		if child.IsFinished() {
			return child, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
