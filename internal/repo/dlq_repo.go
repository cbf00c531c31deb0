package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Kontur/internal/domain"
)

// DLQRepo — репозиторий dead letter queue.
type DLQRepo struct {
	pool *pgxpool.Pool
}

// NewDLQRepo создаёт новый DLQRepo.
func NewDLQRepo(pool *pgxpool.Pool) *DLQRepo {
	return &DLQRepo{pool: pool}
}

// Create сохраняет запись DLQ. Идемпотентно по message id.
func (r *DLQRepo) Create(ctx context.Context, entry *domain.DLQEntry) error {
	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO dlq (message_id, execution_id, step_id, kind, loop_index, loop_key,
		                 attempts, error_class, last_error, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'ACTIVE', $11, $11)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		entry.MessageID,
		entry.ExecutionID,
		entry.StepID,
		entry.Kind,
		entry.LoopIndex,
		entry.LoopKey,
		entry.Attempts,
		string(entry.ErrorClass),
		entry.LastError,
		payloadJSON,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

// GetByMessageID возвращает запись DLQ по ID сообщения.
func (r *DLQRepo) GetByMessageID(ctx context.Context, messageID uuid.UUID) (*domain.DLQEntry, error) {
	query := selectDLQ + ` WHERE message_id = $1`
	return r.scan(r.pool.QueryRow(ctx, query, messageID))
}

// List возвращает записи DLQ с фильтрацией по выполнению и статусу.
func (r *DLQRepo) List(ctx context.Context, executionID *uuid.UUID, status domain.DLQStatus, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := selectDLQ + `
		WHERE ($1::uuid IS NULL OR execution_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, executionID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.DLQEntry
	for rows.Next() {
		entry, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// MarkReplayed переводит запись в REPLAYED.
//
// Допустимо только из ACTIVE — повторный replay той же записи
// возвращает ErrInvalidState.
func (r *DLQRepo) MarkReplayed(ctx context.Context, messageID uuid.UUID) error {
	return r.transition(ctx, messageID, domain.DLQReplayed)
}

// MarkDiscarded переводит запись в DISCARDED.
func (r *DLQRepo) MarkDiscarded(ctx context.Context, messageID uuid.UUID) error {
	return r.transition(ctx, messageID, domain.DLQDiscarded)
}

func (r *DLQRepo) transition(ctx context.Context, messageID uuid.UUID, to domain.DLQStatus) error {
	query := `
		UPDATE dlq
		SET status = $2, updated_at = now()
		WHERE message_id = $1 AND status = 'ACTIVE'
	`
	tag, err := r.pool.Exec(ctx, query, messageID, string(to))
	if err != nil {
		return fmt.Errorf("update dlq status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

const selectDLQ = `
	SELECT message_id, execution_id, step_id, kind, loop_index, loop_key,
	       attempts, error_class, last_error, payload, status, created_at, updated_at
	FROM dlq`

func (r *DLQRepo) scan(row pgx.Row) (*domain.DLQEntry, error) {
	var entry domain.DLQEntry
	var payloadJSON []byte
	var errorClass string

	err := row.Scan(
		&entry.MessageID,
		&entry.ExecutionID,
		&entry.StepID,
		&entry.Kind,
		&entry.LoopIndex,
		&entry.LoopKey,
		&entry.Attempts,
		&errorClass,
		&entry.LastError,
		&payloadJSON,
		&entry.Status,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan dlq entry: %w", err)
	}

	entry.ErrorClass = domain.ErrorClass(errorClass)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &entry.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &entry, nil
}
