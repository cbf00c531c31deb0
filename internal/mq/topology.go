package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeExecutions Exchange = "kontur.executions"
	ExchangeTasks      Exchange = "kontur.tasks"
	ExchangeDLQ        Exchange = "kontur.dlq"
)

// Queues — имена очередей.
const (
	QueueExecutionsSubmitted Queue = "executions.submitted"
	QueueExecutionsCancelled Queue = "executions.cancelled"
	QueueTasksReady          Queue = "tasks.ready"
	QueueTasksResult         Queue = "tasks.result"
	QueueDLQEvents           Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeySubmitted RoutingKey = "submitted"
	RoutingKeyCancelled RoutingKey = "cancelled"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyResult    RoutingKey = "result"
	RoutingKeyDLQEvents RoutingKey = "events"
)

// SetupTopology объявляет обменники, очереди и привязки.
// Идемпотентно: повторное объявление той же топологии безопасно.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeExecutions, "direct"},
		{ExchangeTasks, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// События — будильники: необработанное событие уходит в dlq.events
	// только для диагностики, семантика выполнения от него не зависит.
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueExecutionsSubmitted, dlqArgs},
		{QueueExecutionsCancelled, nil},
		{QueueTasksReady, dlqArgs},
		{QueueTasksResult, dlqArgs},
		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueExecutionsSubmitted, RoutingKeySubmitted, ExchangeExecutions},
		{QueueExecutionsCancelled, RoutingKeyCancelled, ExchangeExecutions},
		{QueueTasksReady, RoutingKeyReady, ExchangeTasks},
		{QueueTasksResult, RoutingKeyResult, ExchangeTasks},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Kontur RabbitMQ Topology:

    kontur.executions (direct)
    ├── executions.submitted [routing: submitted]
    │       Consumer: Orchestrator
    └── executions.cancelled [routing: cancelled]
            Consumer: Orchestrator

    kontur.tasks (direct)
    ├── tasks.ready [routing: ready]
    │       Consumer: Worker
    └── tasks.result [routing: result]
            Consumer: Orchestrator

    kontur.dlq (direct)
    └── dlq.events [routing: events]
            Diagnostics only
  `
}
