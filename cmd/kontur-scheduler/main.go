// Kontur Scheduler — запускает playbooks по расписанию.
//
// Ключ идемпотентности запуска выводится из (schedule, due-time),
// поэтому несколько экземпляров планировщика не создают дубликатов
// и leader election не требуется.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Kontur/internal/api"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/repo"
	"github.com/shaiso/Kontur/internal/scheduler"
	"github.com/shaiso/Kontur/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting kontur-scheduler")

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
	scheduleRepo := repo.NewScheduleRepo(pool)

	// RabbitMQ
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

	var tickInterval time.Duration
	if v := os.Getenv("SCHED_TICK_INTERVAL"); v != "" {
		tickInterval, _ = time.ParseDuration(v)
	}

	sched := scheduler.New(scheduler.Config{
		Schedules:    scheduleRepo,
		Submitter:    submitter,
		Logger:       logger,
		TickInterval: tickInterval,
	})

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("scheduler stopped with error", "error", err)
		}
	}()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("SCHED_PORT"); v != "" {
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
	logger.Info("kontur-scheduler stopped")
}
