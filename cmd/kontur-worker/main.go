// Kontur Worker — выполняет отдельные шаги playbook.
//
// Worker:
//   - Захватывает сообщения из Postgres-очереди (lease + heartbeat)
//   - Выполняет плагин нужного вида (http, postgres, transform, delay, workflow)
//   - Повторяет retryable-ошибки с exponential backoff
//   - Терминальные провалы отправляет в DLQ
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Kontur/internal/api"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/plugin"
	"github.com/shaiso/Kontur/internal/repo"
	"github.com/shaiso/Kontur/internal/telemetry"
	"github.com/shaiso/Kontur/internal/worker"
)

// taskResultPublisher адаптирует mq.Publisher к интерфейсу воркера.
type taskResultPublisher struct {
	pub *mq.Publisher
}

func (p taskResultPublisher) PublishTaskResult(ctx context.Context, messageID, executionID uuid.UUID, stepID string) error {
	return p.pub.PublishTaskResult(ctx, mq.TaskResultPayload{
		MessageID:   messageID,
		ExecutionID: executionID,
		StepID:      stepID,
	})
}

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting kontur-worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	queueRepo := repo.NewQueueRepo(pool)
	resultRepo := repo.NewResultRepo(pool)
	dlqRepo := repo.NewDLQRepo(pool)
	playbookRepo := repo.NewPlaybookRepo(pool)
	executionRepo := repo.NewExecutionRepo(pool)

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	mqURL := mq.URLFromEnv()

	mqConn, err = mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Submitter нужен workflow-плагину для запуска дочерних выполнений.
	submitter := api.NewSubmitter(playbookRepo, executionRepo, publisher, logger)

	registry := plugin.NewRegistry()
	registry.Register("http", &plugin.HTTPPlugin{})
	registry.Register("postgres", plugin.NewPostgresPlugin(pool))
	registry.Register("transform", &plugin.TransformPlugin{})
	registry.Register("delay", &plugin.DelayPlugin{})
	registry.Register("workflow", plugin.NewWorkflowPlugin(submitter))

	var eventPub worker.EventPublisher
	if publisher != nil {
		eventPub = taskResultPublisher{pub: publisher}
	}

	w := worker.New(worker.Config{
		WorkerID:  os.Getenv("WORKER_ID"),
		Queue:     queueRepo,
		Results:   resultRepo,
		DLQ:       dlqRepo,
		Registry:  registry,
		Publisher: eventPub,
		Conn:      mqConn,
		Logger:    logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	w.Stop()
	logger.Info("kontur-worker stopped")
}
