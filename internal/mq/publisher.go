package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип события.
type MessageType string

// Типы событий.
const (
	MessageTypeExecutionSubmitted MessageType = "execution.submitted"
	MessageTypeExecutionCancelled MessageType = "execution.cancelled"
	MessageTypeTaskReady          MessageType = "task.ready"
	MessageTypeTaskResult         MessageType = "task.result"
)

// Publisher публикует события в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — событие для публикации.
type Message struct {
	// ID — уникальный идентификатор события.
	ID string `json:"id"`

	// Type — тип события.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionSubmittedPayload — payload события о новом выполнении.
type ExecutionSubmittedPayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

// ExecutionCancelledPayload — payload события об отмене выполнения.
type ExecutionCancelledPayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

// TaskReadyPayload — payload события о появившейся работе.
// Воркер по нему идёт в БД за claim; kind нужен для per-kind лимитов.
type TaskReadyPayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	Kind        string    `json:"kind"`
}

// TaskResultPayload — payload события о сохранённом результате.
type TaskResultPayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	StepID      string    `json:"step_id"`
}

// Publish публикует событие в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // событие переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishExecutionSubmitted публикует событие о новом выполнении.
// Потребитель: Orchestrator.
func (p *Publisher) PublishExecutionSubmitted(ctx context.Context, executionID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionSubmitted,
		Payload:   ExecutionSubmittedPayload{ExecutionID: executionID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeySubmitted, msg)
}

// PublishExecutionCancelled публикует событие об отмене выполнения.
// Потребитель: Orchestrator.
func (p *Publisher) PublishExecutionCancelled(ctx context.Context, executionID uuid.UUID) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeExecutionCancelled,
		Payload:   ExecutionCancelledPayload{ExecutionID: executionID},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeExecutions, RoutingKeyCancelled, msg)
}

// PublishTaskReady публикует событие о работе в очереди задач.
// Потребитель: Worker.
func (p *Publisher) PublishTaskReady(ctx context.Context, payload TaskReadyPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskReady,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, msg)
}

// PublishTaskResult публикует событие о сохранённом результате.
// Потребитель: Orchestrator.
func (p *Publisher) PublishTaskResult(ctx context.Context, payload TaskResultPayload) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeTaskResult,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeTasks, RoutingKeyResult, msg)
}
