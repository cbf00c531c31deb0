package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Kontur/internal/mq"
)

// AMQPSink — публикация результата в append-only брокер.
//
// Сообщение persistent, MessageId = ключ записи: при replay возможна
// повторная публикация того же id, потребители дедуплицируют по нему
// (at-least-once публикация + дедуп-ключ = exactly-once эффект).
// Ledger фиксируется после публикации.
//
// Конфигурация: {"exchange": "events", "routing_key": "step.result"}.
type AMQPSink struct {
	conn   *mq.Connection
	ledger Ledger
}

// NewAMQPSink создаёт приёмник.
func NewAMQPSink(conn *mq.Connection, ledger Ledger) *AMQPSink {
	return &AMQPSink{conn: conn, ledger: ledger}
}

// Write публикует значение в exchange.
func (s *AMQPSink) Write(ctx context.Context, req Request) error {
	exchange, _ := req.Config["exchange"].(string)
	if exchange == "" {
		return fmt.Errorf("%w: amqp sink requires \"exchange\"", ErrBadConfig)
	}
	routingKey, _ := req.Config["routing_key"].(string)

	body, err := json.Marshal(map[string]any{
		"sink_key":     req.Key,
		"execution_id": req.ExecutionID,
		"step_id":      req.StepID,
		"value":        req.Value,
	})
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	err = s.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(
			ctx,
			exchange,
			routingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    req.Key,
				Timestamp:    time.Now(),
				Body:         body,
			},
		)
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	if _, err := s.ledger.TryRecord(ctx, req.Key, req.ExecutionID, req.StepID, req.SinkID); err != nil {
		return fmt.Errorf("record ledger: %w", err)
	}
	return nil
}
