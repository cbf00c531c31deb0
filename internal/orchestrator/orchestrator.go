package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/mq"
	"github.com/shaiso/Kontur/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultEvalTimeout  = 2 * time.Second

	// Приоритеты сообщений очереди: одиночные шаги критического пути
	// выбираются раньше элементов циклов.
	priorityStep     = 50
	priorityLoopItem = 100
)

// Orchestrator управляет выполнением playbook'ов.
//
// Получает события из RabbitMQ (event-driven) и периодически опрашивает
// БД (polling fallback): незавершённые выполнения и необработанные
// результаты. Вся работа по одному выполнению сериализована мьютексом
// его ExecState.
type Orchestrator struct {
	// Stores
	execStore     ExecutionStore
	playbookStore PlaybookStore
	stepStore     StepStore
	queue         TaskQueue
	results       ResultStore
	sinks         SinkWriter

	// MQ
	publisher EventPublisher
	conn      *mq.Connection

	// Active executions (executionID → state)
	active map[uuid.UUID]*ExecState
	mu     sync.RWMutex

	// Consumers
	submittedConsumer *mq.Consumer
	cancelledConsumer *mq.Consumer
	resultConsumer    *mq.Consumer

	// Backpressure
	pressure *PressureController

	// Configuration
	pollInterval  time.Duration
	batchSize     int
	evalTimeout   time.Duration
	failOnGateErr bool

	// Lifecycle
	logger     *slog.Logger
	clock      Clock
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Stores
	ExecutionStore ExecutionStore
	PlaybookStore  PlaybookStore
	StepStore      StepStore
	Queue          TaskQueue
	Results        ResultStore
	Sinks          SinkWriter

	// MQ. Conn может быть nil — тогда работает только polling.
	Publisher EventPublisher
	Conn      *mq.Connection

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // размер выборки за один poll (default: 100)

	// EvalTimeout — бюджет времени на вычисление gate/edge выражения.
	EvalTimeout time.Duration

	// FailOnGateError — при ошибке/таймауте вычисления gate валить шаг
	// вместо трактовки условия как ложного.
	FailOnGateError bool

	// Backpressure — пороги гистерезиса (0 — значения по умолчанию).
	HighWatermark int
	LowWatermark  int

	// Logger
	Logger *slog.Logger

	// Clock — источник времени (nil — системные часы).
	Clock Clock
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	evalTimeout := cfg.EvalTimeout
	if evalTimeout <= 0 {
		evalTimeout = defaultEvalTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Orchestrator{
		execStore:     cfg.ExecutionStore,
		playbookStore: cfg.PlaybookStore,
		stepStore:     cfg.StepStore,
		queue:         cfg.Queue,
		results:       cfg.Results,
		sinks:         cfg.Sinks,
		publisher:     cfg.Publisher,
		conn:          cfg.Conn,
		active:        make(map[uuid.UUID]*ExecState),
		pressure:      NewPressureController(cfg.HighWatermark, cfg.LowWatermark),
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		evalTimeout:   evalTimeout,
		failOnGateErr: cfg.FailOnGateError,
		logger:        logger,
		clock:         clock,
	}
}

// Start запускает Orchestrator: consumers и polling-горутину.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
	)

	if o.conn != nil {
		o.submittedConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueExecutionsSubmitted),
			Handler:  o.handleExecutionSubmitted,
			Prefetch: 10,
		})
		o.cancelledConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueExecutionsCancelled),
			Handler:  o.handleExecutionCancelled,
			Prefetch: 10,
		})
		o.resultConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueTasksResult),
			Handler:  o.handleTaskResult,
			Prefetch: 32,
		})

		for _, consumer := range []*mq.Consumer{o.submittedConsumer, o.cancelledConsumer, o.resultConsumer} {
			c := consumer
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Error("consumer error", "error", err)
				}
			}()
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	for _, consumer := range []*mq.Consumer{o.submittedConsumer, o.cancelledConsumer, o.resultConsumer} {
		if consumer != nil {
			consumer.Stop()
		}
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped",
		"active_executions", o.ActiveCount(),
	)
}

// pollLoop — цикл polling fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте: подхватываем выполнения и результаты,
	// накопившиеся пока оркестратор был выключен.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling: незавершённые выполнения
// и необработанные результаты.
func (o *Orchestrator) poll(ctx context.Context) {
	o.observePressure(ctx)

	executions, err := o.execStore.ListRunning(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list running executions", "error", err)
	} else {
		for i := range executions {
			exec := &executions[i]
			if o.getActive(exec.ID) != nil {
				continue
			}
			if err := o.processExecution(ctx, exec.ID); err != nil {
				o.logger.Error("failed to process execution from poll",
					"execution_id", exec.ID,
					"error", err,
				)
			}
		}
	}

	results, err := o.results.ListUnprocessed(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list unprocessed results", "error", err)
		return
	}
	for i := range results {
		res := &results[i]
		if err := o.processResult(ctx, res.MessageID); err != nil {
			o.logger.Error("failed to process result from poll",
				"message_id", res.MessageID,
				"execution_id", res.ExecutionID,
				"error", err,
			)
		}
	}
}

// observePressure обновляет контроллер backpressure по числу
// незавершённых сообщений очереди.
func (o *Orchestrator) observePressure(ctx context.Context) {
	count, err := o.queue.InFlightCount(ctx)
	if err != nil {
		o.logger.Error("failed to count in-flight tasks", "error", err)
		return
	}
	telemetry.TasksInFlight.Set(float64(count))
	if released := o.pressure.Observe(count); released {
		o.flushDeferredLoops(ctx)
	}
}

// getActive возвращает активный ExecState.
func (o *Orchestrator) getActive(id uuid.UUID) *ExecState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active[id]
}

// addActive добавляет выполнение в активные.
func (o *Orchestrator) addActive(state *ExecState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.active[state.ID()]; exists {
		return ErrExecutionAlreadyActive
	}
	o.active[state.ID()] = state
	return nil
}

// removeActive удаляет выполнение из активных.
func (o *Orchestrator) removeActive(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

// ActiveCount возвращает количество активных выполнений.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// ActiveStats возвращает сводку по активному выполнению.
func (o *Orchestrator) ActiveStats(id uuid.UUID) (ExecStats, bool) {
	state := o.getActive(id)
	if state == nil {
		return ExecStats{}, false
	}
	return state.Stats(), true
}

// flushDeferredLoops допоставляет элементы циклов, отложенные backpressure.
func (o *Orchestrator) flushDeferredLoops(ctx context.Context) {
	o.mu.RLock()
	states := make([]*ExecState, 0, len(o.active))
	for _, st := range o.active {
		states = append(states, st)
	}
	o.mu.RUnlock()

	for _, state := range states {
		state.mu.Lock()
		if err := o.resumeDeferredLoops(ctx, state); err != nil {
			o.logger.Error("failed to resume deferred loop items",
				"execution_id", state.ID(),
				"error", err,
			)
		}
		state.mu.Unlock()
	}
}
