package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/plugin"
)

// Default configuration values.
const (
	defaultConcurrency   = 8
	defaultClaimInterval = 2 * time.Second
	defaultLease         = 30 * time.Second
	defaultDedupeTTL     = 5 * time.Minute
	defaultPrefetch      = 16
)

// Queue — операции очереди задач (internal/repo.QueueRepo).
type Queue interface {
	Claim(ctx context.Context, workerID string, kinds []string, limit int, lease time.Duration) ([]domain.QueueMessage, error)
	Heartbeat(ctx context.Context, messageID uuid.UUID, workerID string, lease time.Duration) error
	Complete(ctx context.Context, messageID uuid.UUID) error
	Requeue(ctx context.Context, messageID uuid.UUID, notBefore time.Time) error
	MarkDLQ(ctx context.Context, messageID uuid.UUID) error
}

// ResultStore — сохранение отчётов (internal/repo.ResultRepo).
type ResultStore interface {
	Save(ctx context.Context, res *domain.TaskResult) error
}

// DLQStore — записи о терминальных падениях (internal/repo.DLQRepo).
type DLQStore interface {
	Create(ctx context.Context, entry *domain.DLQEntry) error
}

// EventPublisher — публикация события о сохранённом результате.
type EventPublisher interface {
	PublishTaskResult(ctx context.Context, messageID, executionID uuid.UUID, stepID string) error
}

// Worker — пул исполнителей задач.
type Worker struct {
	id       string
	queue    Queue
	results  ResultStore
	dlq      DLQStore
	registry *plugin.Registry

	publisher EventPublisher
	conn      *mq.Connection
	consumer  *mq.Consumer

	concurrency   int
	kindLimits    map[string]int
	claimInterval time.Duration
	lease         time.Duration

	// Локальный дедуп передоставленных сообщений. Вспомогательный:
	// корректность держится на идемпотентности репозиториев.
	dedupe *ttlcache.Cache[uuid.UUID, struct{}]

	// inFlight — занятые слоты: total и по видам.
	mu       sync.Mutex
	inFlight int
	byKind   map[string]int
	kinds    []string
	rr       int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	// WorkerID — идентификатор экземпляра (владелец lease).
	// Пустое значение заменяется случайным UUID.
	WorkerID string

	Queue   Queue
	Results ResultStore
	DLQ     DLQStore

	// Registry — реестр плагинов.
	Registry *plugin.Registry

	// Publisher, Conn — событийная шина; nil допустим (polling-only).
	Publisher EventPublisher
	Conn      *mq.Connection

	// Concurrency — глобальный лимит одновременных задач (default: 8).
	Concurrency int

	// KindLimits — необязательные лимиты по видам плагинов,
	// чтобы медленный вид не занял весь пул.
	KindLimits map[string]int

	// ClaimInterval — период опроса очереди (default: 2s).
	ClaimInterval time.Duration

	// Lease — длительность lease сообщения (default: 30s).
	Lease time.Duration

	// DedupeTTL — время жизни записи локального дедупа (default: 5m).
	DedupeTTL time.Duration

	Logger *slog.Logger
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	id := cfg.WorkerID
	if id == "" {
		id = uuid.NewString()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	claimInterval := cfg.ClaimInterval
	if claimInterval <= 0 {
		claimInterval = defaultClaimInterval
	}

	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}

	dedupeTTL := cfg.DedupeTTL
	if dedupeTTL <= 0 {
		dedupeTTL = defaultDedupeTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = plugin.NewRegistry()
	}

	var kinds []string
	for kind := range registry.Kinds() {
		kinds = append(kinds, kind)
	}

	return &Worker{
		id:            id,
		queue:         cfg.Queue,
		results:       cfg.Results,
		dlq:           cfg.DLQ,
		registry:      registry,
		publisher:     cfg.Publisher,
		conn:          cfg.Conn,
		concurrency:   concurrency,
		kindLimits:    cfg.KindLimits,
		claimInterval: claimInterval,
		lease:         lease,
		dedupe: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, struct{}](dedupeTTL),
		),
		byKind: make(map[string]int),
		kinds:  kinds,
		logger: logger.With("worker_id", id),
	}
}

// Start запускает пул: consumer tasks.ready и цикл claim.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"lease", w.lease,
		"kinds", w.kinds,
	)

	go w.dedupe.Start()

	if w.conn != nil {
		w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueTasksReady),
			Handler:  w.handleTaskReady,
			Prefetch: defaultPrefetch,
		})
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("task consumer error", "error", err)
			}
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.claimLoop(ctx)
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает пул и ждёт завершения запущенных задач.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}

	w.wg.Wait()
	w.dedupe.Stop()

	w.logger.Info("worker stopped")
}

// handleTaskReady — wake-up: пробуем забрать работу немедленно.
func (w *Worker) handleTaskReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.TaskReadyPayload](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse task.ready payload", "error", err)
		return err
	}

	w.logger.Debug("received task.ready event",
		"message_id", payload.MessageID,
		"kind", payload.Kind,
	)

	w.claimCycle(ctx)
	return nil
}

// claimLoop — периодический claim; fallback на случай потерянных событий
// и единственный источник работы при запуске без брокера.
func (w *Worker) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.claimInterval)
	defer ticker.Stop()

	// Первый claim сразу: подхватываем сообщения, скопившиеся пока
	// воркер был выключен, и просроченные lease.
	w.claimCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimCycle(ctx)
		}
	}
}

// claimCycle забирает сообщения в свободные слоты.
//
// Виды обходятся round-robin со сдвигом стартовой позиции между
// циклами: каждый вид регулярно получает первый доступ к свободным
// слотам, медленный вид не вытесняет остальные.
func (w *Worker) claimCycle(ctx context.Context) {
	if len(w.kinds) == 0 {
		return
	}

	w.mu.Lock()
	free := w.concurrency - w.inFlight
	start := w.rr
	w.rr = (w.rr + 1) % len(w.kinds)
	w.mu.Unlock()

	if free <= 0 {
		return
	}

	for i := 0; i < len(w.kinds) && free > 0; i++ {
		kind := w.kinds[(start+i)%len(w.kinds)]

		limit := free
		if kindCap, ok := w.kindLimits[kind]; ok {
			w.mu.Lock()
			kindFree := kindCap - w.byKind[kind]
			w.mu.Unlock()
			if kindFree < limit {
				limit = kindFree
			}
		}
		if limit <= 0 {
			continue
		}

		msgs, err := w.queue.Claim(ctx, w.id, []string{kind}, limit, w.lease)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Error("claim failed", "kind", kind, "error", err)
			}
			return
		}

		for j := range msgs {
			msg := msgs[j]
			w.acquire(msg.Kind)
			free--

			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer w.release(msg.Kind)
				w.runTask(ctx, &msg)
			}()
		}
	}
}

func (w *Worker) acquire(kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight++
	w.byKind[kind]++
}

func (w *Worker) release(kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight--
	w.byKind[kind]--
}

// InFlight возвращает число выполняемых задач.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}
