package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/plugin"
	"github.com/shaiso/Kontur/internal/telemetry"
)

// runTask выполняет одно сообщение очереди от claim до отчёта.
func (w *Worker) runTask(ctx context.Context, msg *domain.QueueMessage) {
	logger := w.logger.With(
		"message_id", msg.ID,
		"execution_id", msg.ExecutionID,
		"step_id", msg.StepID,
		"kind", msg.Kind,
		"attempt", msg.Attempt,
	)

	// Передоставка уже выполненного сообщения: результат сохранён,
	// осталось только убрать сообщение из очереди.
	if w.dedupe.Has(msg.ID) {
		logger.Debug("duplicate delivery short-circuited")
		if err := w.queue.Complete(ctx, msg.ID); err != nil {
			logger.Warn("failed to complete duplicate", "error", err)
		}
		return
	}

	// Потеря lease отменяет задачу: владелец теперь другой воркер.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopHeartbeat := w.startHeartbeat(taskCtx, cancel, msg)
	defer stopHeartbeat()

	logger.Info("task started")

	result, execErr := w.execute(taskCtx, msg)

	if execErr == nil {
		w.reportSuccess(ctx, msg, result, logger)
		return
	}

	class := plugin.ClassOf(execErr)
	logger.Warn("task failed", "class", class, "error", execErr)

	switch {
	case class == domain.ErrorCancel:
		// Остановка воркера или потеря lease: возвращаем сообщение,
		// работу доведёт другой экземпляр.
		if err := w.queue.Requeue(context.WithoutCancel(ctx), msg.ID, time.Now()); err != nil {
			logger.Warn("failed to requeue cancelled task", "error", err)
		}

	case class.Retryable() && msg.Attempt < maxAttemptsFor(msg):
		delay := Backoff(msg.Attempt, retryPolicyFor(msg))
		logger.Info("retrying with backoff", "delay", delay)
		telemetry.TaskRetries.Inc()
		if err := w.queue.Requeue(ctx, msg.ID, time.Now().Add(delay)); err != nil {
			logger.Error("failed to requeue task", "error", err)
		}

	default:
		w.reportTerminalFailure(ctx, msg, result, class, execErr, logger)
	}
}

// execute выполняет плагин сообщения с таймаутом шага.
func (w *Worker) execute(ctx context.Context, msg *domain.QueueMessage) (*plugin.Result, error) {
	p, err := w.registry.Get(msg.Kind)
	if err != nil {
		return nil, plugin.Fatal(err)
	}

	call, timeout, err := parseCall(msg)
	if err != nil {
		return nil, plugin.Fatal(err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return p.Execute(ctx, call)
}

// startHeartbeat продлевает lease, пока задача выполняется.
// Отклонённый heartbeat означает потерю lease — задача отменяется.
func (w *Worker) startHeartbeat(ctx context.Context, cancel context.CancelFunc, msg *domain.QueueMessage) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(w.lease / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, msg.ID, w.id, w.lease); err != nil {
					if ctx.Err() != nil {
						return
					}
					w.logger.Warn("heartbeat rejected, cancelling task",
						"message_id", msg.ID,
						"error", err,
					)
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// reportSuccess сохраняет успешный результат и завершает сообщение.
func (w *Worker) reportSuccess(ctx context.Context, msg *domain.QueueMessage, result *plugin.Result, logger *slog.Logger) {
	res := resultFor(msg, result)
	res.OK = true

	if err := w.results.Save(ctx, res); err != nil {
		// Результат не сохранён — lease истечёт, сообщение
		// передоставится; плагины и sinks идемпотентны.
		w.logger.Error("failed to save result", "message_id", msg.ID, "error", err)
		return
	}
	if err := w.queue.Complete(ctx, msg.ID); err != nil {
		w.logger.Warn("failed to complete message", "message_id", msg.ID, "error", err)
	}

	w.dedupe.Set(msg.ID, struct{}{}, ttlcache.DefaultTTL)
	w.publishResult(ctx, msg)

	telemetry.TasksSucceeded.Inc()
	logger.Info("task succeeded")
}

// reportTerminalFailure уводит сообщение в DLQ и сохраняет
// неуспешный результат: оркестратор применит политику падения шага.
func (w *Worker) reportTerminalFailure(ctx context.Context, msg *domain.QueueMessage, result *plugin.Result, class domain.ErrorClass, execErr error, logger *slog.Logger) {
	entry := &domain.DLQEntry{
		MessageID:   msg.ID,
		ExecutionID: msg.ExecutionID,
		StepID:      msg.StepID,
		Kind:        msg.Kind,
		LoopIndex:   msg.LoopIndex,
		LoopKey:     msg.LoopKey,
		Attempts:    msg.Attempt,
		ErrorClass:  class,
		LastError:   execErr.Error(),
		Payload:     domain.RedactSecrets(msg.Payload),
		Status:      domain.DLQActive,
	}
	if err := w.dlq.Create(ctx, entry); err != nil {
		w.logger.Error("failed to create dlq entry", "message_id", msg.ID, "error", err)
		return
	}
	if err := w.queue.MarkDLQ(ctx, msg.ID); err != nil {
		w.logger.Error("failed to mark message dlq", "message_id", msg.ID, "error", err)
		return
	}

	res := resultFor(msg, result)
	res.OK = false
	res.ErrorClass = class
	res.Error = execErr.Error()

	if err := w.results.Save(ctx, res); err != nil {
		w.logger.Error("failed to save failed result", "message_id", msg.ID, "error", err)
		return
	}

	w.dedupe.Set(msg.ID, struct{}{}, ttlcache.DefaultTTL)
	w.publishResult(ctx, msg)

	telemetry.DLQEntries.Inc()
	logger.Error("task moved to dlq")
}

// publishResult — best-effort событие: оркестратор подхватит
// результат через polling, если событие потеряется.
func (w *Worker) publishResult(ctx context.Context, msg *domain.QueueMessage) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishTaskResult(ctx, msg.ID, msg.ExecutionID, msg.StepID); err != nil {
		w.logger.Warn("failed to publish task.result", "message_id", msg.ID, "error", err)
	}
}

// resultFor заполняет общие поля отчёта из сообщения.
func resultFor(msg *domain.QueueMessage, result *plugin.Result) *domain.TaskResult {
	res := &domain.TaskResult{
		MessageID:   msg.ID,
		ExecutionID: msg.ExecutionID,
		StepID:      msg.StepID,
		LoopIndex:   msg.LoopIndex,
		LoopKey:     msg.LoopKey,
		Attempt:     msg.Attempt,
		ReportedAt:  time.Now(),
	}
	if result != nil {
		res.Output = result.Output
		res.Logs = result.Logs
	}
	return res
}

// parseCall извлекает вызов плагина и таймаут шага из payload.
//
// Payload пережил jsonb round-trip: числа приходят как float64.
func parseCall(msg *domain.QueueMessage) (plugin.Call, time.Duration, error) {
	call := plugin.Call{
		ExecutionID: msg.ExecutionID,
		StepID:      msg.StepID,
	}
	if msg.Payload == nil {
		return call, 0, nil
	}

	var err error
	if call.Config, err = mapField(msg.Payload, "config"); err != nil {
		return call, 0, err
	}
	if call.Args, err = mapField(msg.Payload, "args"); err != nil {
		return call, 0, err
	}

	var timeout time.Duration
	if sec := numField(msg.Payload, "timeout_sec"); sec > 0 {
		timeout = time.Duration(sec * float64(time.Second))
	}
	return call, timeout, nil
}

func mapField(payload map[string]any, key string) (map[string]any, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want object", ErrBadPayload, key, raw)
	}
	return m, nil
}

func numField(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// maxAttemptsFor извлекает лимит попыток из payload.
func maxAttemptsFor(msg *domain.QueueMessage) int {
	if retry, err := mapField(msg.Payload, "retry"); err == nil && retry != nil {
		if n := numField(retry, "max_attempts"); n > 0 {
			return int(n)
		}
	}
	return defaultMaxAttempts
}

// retryPolicyFor извлекает параметры backoff из payload.
func retryPolicyFor(msg *domain.QueueMessage) *domain.RetryPolicy {
	retry, err := mapField(msg.Payload, "retry")
	if err != nil || retry == nil {
		return nil
	}
	return &domain.RetryPolicy{
		MaxAttempts: int(numField(retry, "max_attempts")),
		BaseDelayMs: int(numField(retry, "base_delay_ms")),
		MaxDelayMs:  int(numField(retry, "max_delay_ms")),
	}
}
