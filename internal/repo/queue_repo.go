package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Kontur/internal/domain"
)

// QueueRepo — долговечная очередь задач поверх Postgres.
//
// Claim использует FOR UPDATE SKIP LOCKED: конкурирующие воркеры
// не блокируют друг друга и не захватывают одно сообщение дважды
// в пределах lease. Истёкший lease делает сообщение доступным снова —
// доставка at-least-once.
type QueueRepo struct {
	pool *pgxpool.Pool
}

// NewQueueRepo создаёт новый QueueRepo.
func NewQueueRepo(pool *pgxpool.Pool) *QueueRepo {
	return &QueueRepo{pool: pool}
}

// Enqueue ставит сообщение в очередь.
//
// Повторная постановка с тем же ID идемпотентна (replay после сбоя
// оркестратора между enqueue и commit события).
func (r *QueueRepo) Enqueue(ctx context.Context, msg *domain.QueueMessage) error {
	payloadJSON, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO task_queue (id, execution_id, step_id, kind, loop_index, loop_key,
		                        payload, attempt, priority, status, not_before, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'QUEUED', $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		msg.ID,
		msg.ExecutionID,
		msg.StepID,
		msg.Kind,
		msg.LoopIndex,
		msg.LoopKey,
		payloadJSON,
		msg.Attempt,
		msg.Priority,
		msg.NotBefore,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// Claim захватывает до limit доступных сообщений для воркера.
//
// Доступны QUEUED с наступившим not_before и LEASED с истёкшим lease.
// Захват атомарно переводит сообщение в LEASED, инкрементирует attempt
// и выставляет lease.
func (r *QueueRepo) Claim(ctx context.Context, workerID string, kinds []string, limit int, lease time.Duration) ([]domain.QueueMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE task_queue
		SET status = 'LEASED',
		    attempt = attempt + 1,
		    worker_id = $1,
		    lease_expires_at = now() + $2::interval
		WHERE id IN (
			SELECT id
			FROM task_queue
			WHERE ((status = 'QUEUED' AND not_before <= now())
			    OR (status = 'LEASED' AND lease_expires_at < now()))
			  AND (cardinality($3::text[]) = 0 OR kind = ANY($3))
			ORDER BY priority, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, execution_id, step_id, kind, loop_index, loop_key,
		          payload, attempt, priority, status, not_before, lease_expires_at,
		          worker_id, created_at
	`
	leaseInterval := fmt.Sprintf("%d milliseconds", lease.Milliseconds())
	if kinds == nil {
		kinds = []string{}
	}

	rows, err := r.pool.Query(ctx, query, workerID, leaseInterval, kinds, limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.QueueMessage
	for rows.Next() {
		msg, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// Heartbeat продлевает lease захваченного сообщения.
//
// Продление разрешено только текущему владельцу: возвращает
// ErrInvalidState, если lease уже перехвачен другим воркером.
func (r *QueueRepo) Heartbeat(ctx context.Context, messageID uuid.UUID, workerID string, lease time.Duration) error {
	query := `
		UPDATE task_queue
		SET lease_expires_at = now() + $3::interval
		WHERE id = $1 AND worker_id = $2 AND status = 'LEASED'
	`
	leaseInterval := fmt.Sprintf("%d milliseconds", lease.Milliseconds())
	tag, err := r.pool.Exec(ctx, query, messageID, workerID, leaseInterval)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// Complete помечает сообщение завершённым.
func (r *QueueRepo) Complete(ctx context.Context, messageID uuid.UUID) error {
	query := `UPDATE task_queue SET status = 'DONE', lease_expires_at = NULL WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, messageID); err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	return nil
}

// Requeue возвращает сообщение в очередь с отложенным not_before
// для повторной попытки после ретраябельной ошибки.
func (r *QueueRepo) Requeue(ctx context.Context, messageID uuid.UUID, notBefore time.Time) error {
	query := `
		UPDATE task_queue
		SET status = 'QUEUED', not_before = $2, lease_expires_at = NULL, worker_id = ''
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, messageID, notBefore); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	return nil
}

// ReplacePayload заменяет payload сообщения (патч при replay из DLQ).
func (r *QueueRepo) ReplacePayload(ctx context.Context, messageID uuid.UUID, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := `UPDATE task_queue SET payload = $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, messageID, payloadJSON); err != nil {
		return fmt.Errorf("replace payload: %w", err)
	}
	return nil
}

// ResetForReplay возвращает DLQ-сообщение в очередь с нулевым счётчиком попыток.
func (r *QueueRepo) ResetForReplay(ctx context.Context, messageID uuid.UUID) error {
	query := `
		UPDATE task_queue
		SET status = 'QUEUED', attempt = 0, not_before = now(),
		    lease_expires_at = NULL, worker_id = ''
		WHERE id = $1 AND status = 'DLQ'
	`
	tag, err := r.pool.Exec(ctx, query, messageID)
	if err != nil {
		return fmt.Errorf("reset message for replay: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// MarkDLQ помечает сообщение ушедшим в DLQ.
func (r *QueueRepo) MarkDLQ(ctx context.Context, messageID uuid.UUID) error {
	query := `UPDATE task_queue SET status = 'DLQ', lease_expires_at = NULL WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, messageID); err != nil {
		return fmt.Errorf("mark message dlq: %w", err)
	}
	return nil
}

// GetByID возвращает сообщение очереди по ID.
func (r *QueueRepo) GetByID(ctx context.Context, messageID uuid.UUID) (*domain.QueueMessage, error) {
	query := `
		SELECT id, execution_id, step_id, kind, loop_index, loop_key,
		       payload, attempt, priority, status, not_before, lease_expires_at,
		       worker_id, created_at
		FROM task_queue
		WHERE id = $1
	`
	return r.scan(r.pool.QueryRow(ctx, query, messageID))
}

// InFlightCount возвращает количество незавершённых сообщений
// (QUEUED + LEASED) — вход предиката backpressure.
func (r *QueueRepo) InFlightCount(ctx context.Context) (int, error) {
	var count int
	query := `SELECT count(*) FROM task_queue WHERE status IN ('QUEUED', 'LEASED')`
	if err := r.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("in-flight count: %w", err)
	}
	return count, nil
}

// CancelPending снимает все невыданные сообщения выполнения.
// Захваченные задачи добегают до конца, их результаты игнорируются.
func (r *QueueRepo) CancelPending(ctx context.Context, executionID uuid.UUID) error {
	query := `UPDATE task_queue SET status = 'DONE' WHERE execution_id = $1 AND status = 'QUEUED'`
	if _, err := r.pool.Exec(ctx, query, executionID); err != nil {
		return fmt.Errorf("cancel pending messages: %w", err)
	}
	return nil
}

func (r *QueueRepo) scan(row pgx.Row) (*domain.QueueMessage, error) {
	var msg domain.QueueMessage
	var payloadJSON []byte

	err := row.Scan(
		&msg.ID,
		&msg.ExecutionID,
		&msg.StepID,
		&msg.Kind,
		&msg.LoopIndex,
		&msg.LoopKey,
		&payloadJSON,
		&msg.Attempt,
		&msg.Priority,
		&msg.Status,
		&msg.NotBefore,
		&msg.LeaseExpiresAt,
		&msg.WorkerID,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan queue message: %w", err)
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &msg.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &msg, nil
}
