// Kontur Orchestrator — продвигает выполнения playbook.
//
// Orchestrator:
//   - Получает события о выполнениях и результатах из RabbitMQ
//   - Строит граф шагов и диспетчеризует готовые шаги в очередь задач
//   - Интегрирует результаты: pick/as/collect, sinks, счётчики циклов
//   - Финализирует выполнения
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/orchestrator"
	"github.com/shaiso/Kontur/internal/repo"
	"github.com/shaiso/Kontur/internal/sink"
	"github.com/shaiso/Kontur/internal/telemetry"
)

// taskReadyPublisher адаптирует mq.Publisher к интерфейсу оркестратора.
type taskReadyPublisher struct {
	pub *mq.Publisher
}

func (p taskReadyPublisher) PublishTaskReady(ctx context.Context, messageID, executionID uuid.UUID, kind string) error {
	return p.pub.PublishTaskReady(ctx, mq.TaskReadyPayload{
		MessageID:   messageID,
		ExecutionID: executionID,
		Kind:        kind,
	})
}

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting kontur-orchestrator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	executionRepo := repo.NewExecutionRepo(pool)
	playbookRepo := repo.NewPlaybookRepo(pool)
	stepRepo := repo.NewStepRepo(pool)
	queueRepo := repo.NewQueueRepo(pool)
	resultRepo := repo.NewResultRepo(pool)
	ledgerRepo := repo.NewLedgerRepo(pool)

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

	// Sinks
	sinks := sink.NewRegistry(ledgerRepo, logger)
	sinks.Register("postgres", sink.NewPostgresSink(pool))
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		sinks.Register("redis", sink.NewRedisSink(client, ledgerRepo))
		logger.Info("redis sink registered", "addr", addr)
	}
	if mqConn != nil {
		sinks.Register("amqp", sink.NewAMQPSink(mqConn, ledgerRepo))
	}

	var eventPub orchestrator.EventPublisher
	if publisher != nil {
		eventPub = taskReadyPublisher{pub: publisher}
	}

	orch := orchestrator.New(orchestrator.Config{
		ExecutionStore: executionRepo,
		PlaybookStore:  playbookRepo,
		StepStore:      stepRepo,
		Queue:          queueRepo,
		Results:        resultRepo,
		Sinks:          sinks,
		Publisher:      eventPub,
		Conn:           mqConn,
		Logger:         logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8083"
	if v := os.Getenv("ORCH_PORT"); v != "" {
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

	orch.Stop()
	logger.Info("kontur-orchestrator stopped")
}
