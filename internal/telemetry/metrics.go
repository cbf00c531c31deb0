package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются в default registry; каждый сервис
// отдаёт их через promhttp на своём /metrics endpoint.
var (
	// TasksDispatched — сообщения, поставленные оркестратором в очередь.
	TasksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_tasks_dispatched_total",
		Help: "Queue messages enqueued by the orchestrator",
	})

	// TasksSucceeded — задачи, завершившиеся успехом.
	TasksSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_tasks_succeeded_total",
		Help: "Tasks completed successfully by workers",
	})

	// TaskRetries — повторы задач с backoff.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_task_retries_total",
		Help: "Task requeues due to retryable failures",
	})

	// DLQEntries — задачи, ушедшие в DLQ.
	DLQEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_dlq_entries_total",
		Help: "Tasks moved to the dead-letter queue",
	})

	// ResultsProcessed — результаты, интегрированные result pipeline.
	ResultsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_results_processed_total",
		Help: "Task results consumed by the orchestrator",
	})

	// SinkWrites — подтверждённые записи в sinks.
	SinkWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_sink_writes_total",
		Help: "Confirmed sink writes",
	})

	// LedgerConflicts — записи, отсечённые ledger'ом как уже сделанные.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_ledger_conflicts_total",
		Help: "Sink writes skipped because the ledger already has the key",
	})

	// TasksInFlight — сообщения в очереди (QUEUED+LEASED), по данным
	// backpressure-контроллера оркестратора.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kontur_tasks_in_flight",
		Help: "Queue messages currently queued or leased",
	})
)
