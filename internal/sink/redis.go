package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink — запись результата в Redis.
//
// Exactly-once через SetNX по детерминированному ключу записи:
// проигрыш гонки или повтор — значение уже записано, no-op. После
// подтверждённой записи ключ фиксируется в ledger; если фиксация
// не успела (сбой между SetNX и ledger), retry упрётся в SetNX
// и просто доведёт ledger до согласованности.
//
// Конфигурация: {"prefix": "kontur:results:", "ttl_sec": 0}.
type RedisSink struct {
	client *redis.Client
	ledger Ledger
}

// NewRedisSink создаёт приёмник.
func NewRedisSink(client *redis.Client, ledger Ledger) *RedisSink {
	return &RedisSink{client: client, ledger: ledger}
}

// Write записывает значение по ключу записи.
func (s *RedisSink) Write(ctx context.Context, req Request) error {
	prefix, _ := req.Config["prefix"].(string)
	key := prefix + req.Key

	var ttl time.Duration
	if sec, ok := req.Config["ttl_sec"].(float64); ok && sec > 0 {
		ttl = time.Duration(sec) * time.Second
	}

	valueJSON, err := json.Marshal(req.Value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	// SetNX: запись происходит не более одного раза на ключ.
	if err := s.client.SetNX(ctx, key, valueJSON, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}

	if _, err := s.ledger.TryRecord(ctx, req.Key, req.ExecutionID, req.StepID, req.SinkID); err != nil {
		return fmt.Errorf("record ledger: %w", err)
	}
	return nil
}
