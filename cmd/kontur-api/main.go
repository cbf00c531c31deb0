// Kontur API — управляющая плоскость: playbooks, executions, DLQ,
// schedules. Сабмит выполнений идёт через Submitter, отмена и replay —
// через события RabbitMQ (с фолбэком на прямую запись в БД).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaiso/Kontur/internal/api"
	"github.com/shaiso/Kontur/internal/graph"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/repo"
	"github.com/shaiso/Kontur/internal/telemetry"
)

var (
	startTime = time.Now()
	reqTotal  = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kontur_api_http_requests_total",
		Help: "Total HTTP requests handled by kontur-api",
	})
)

// knownRegistries перечисляет виды плагинов и sink'ов, которые
// обслуживают воркеры и оркестратор. API не инстанцирует их сам,
// но отклоняет спецификации с неизвестными видами при публикации.
func knownRegistries() graph.Registries {
	return graph.Registries{
		PluginKinds: map[string]bool{
			"http":      true,
			"postgres":  true,
			"transform": true,
			"delay":     true,
			"workflow":  true,
		},
		SinkKinds: map[string]bool{
			"postgres": true,
			"redis":    true,
			"amqp":     true,
		},
	}
}

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting kontur-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	playbookRepo := repo.NewPlaybookRepo(pool)
	executionRepo := repo.NewExecutionRepo(pool)
	stepRepo := repo.NewStepRepo(pool)
	queueRepo := repo.NewQueueRepo(pool)
	dlqRepo := repo.NewDLQRepo(pool)
	scheduleRepo := repo.NewScheduleRepo(pool)

	// RabbitMQ. Без брокера API работает: оркестратор подхватит
	// изменения по polling.
	var publisher *mq.Publisher
	mqURL := mq.URLFromEnv()
	mqConn, err := mq.NewConnection(mqURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
	}

	submitter := api.NewSubmitter(playbookRepo, executionRepo, publisher, logger)

	handler := api.NewHandler(api.Config{
		Playbooks:  playbookRepo,
		Executions: executionRepo,
		Steps:      stepRepo,
		Queue:      queueRepo,
		DLQ:        dlqRepo,
		Schedules:  scheduleRepo,
		Submitter:  submitter,
		Publisher:  publisher,
		Registries: knownRegistries(),
		Logger:     logger,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		reqTotal.Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
