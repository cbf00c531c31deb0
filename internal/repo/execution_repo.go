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

// ExecutionRepo — репозиторий выполнений.
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт новый ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// Create создаёт новое выполнение.
//
// При совпадении idempotency_key возвращает ErrAlreadyExists —
// вызывающий должен найти существующее выполнение по ключу.
func (r *ExecutionRepo) Create(ctx context.Context, exec *domain.Execution) error {
	inputJSON, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	query := `
		INSERT INTO executions (id, playbook_id, version, status, input, context,
		                        parent_id, error, idempotency_key, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
	`
	_, err = r.pool.Exec(ctx, query,
		exec.ID,
		exec.PlaybookID,
		exec.Version,
		exec.Status,
		inputJSON,
		contextJSON,
		exec.ParentID,
		exec.Error,
		exec.IdempotencyKey,
		exec.StartedAt,
		exec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetByID возвращает выполнение по ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	query := selectExecution + ` WHERE id = $1`
	return r.scan(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает выполнение по ключу идемпотентности.
func (r *ExecutionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Execution, error) {
	query := selectExecution + ` WHERE idempotency_key = $1`
	return r.scan(r.pool.QueryRow(ctx, query, key))
}

// List возвращает выполнения с фильтрацией по статусу.
func (r *ExecutionRepo) List(ctx context.Context, status domain.ExecutionStatus, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := selectExecution + ` WHERE ($1 = '' OR status = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		exec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *exec)
	}
	return executions, rows.Err()
}

// ListRunning возвращает незавершённые выполнения (для polling fallback).
func (r *ExecutionRepo) ListRunning(ctx context.Context, limit int) ([]domain.Execution, error) {
	return r.List(ctx, domain.ExecutionRunning, limit)
}

// UpdateStatus обновляет статус, ошибку и временные метки выполнения.
//
// Переход из терминального статуса запрещён на уровне запроса:
// финализированное выполнение не откатывается.
func (r *ExecutionRepo) UpdateStatus(ctx context.Context, exec *domain.Execution) error {
	query := `
		UPDATE executions
		SET status = $2, error = $3, started_at = $4, finished_at = $5
		WHERE id = $1 AND status NOT IN ('OK', 'FAILED', 'CANCELLED')
	`
	tag, err := r.pool.Exec(ctx, query,
		exec.ID, exec.Status, exec.Error, exec.StartedAt, exec.FinishedAt)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// Resume возвращает упавшее выполнение в RUNNING.
//
// Используется при replay из DLQ: halt-политика оставляет шаг
// незавершённым, и успешный replay продолжает выполнение.
func (r *ExecutionRepo) Resume(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE executions
		SET status = 'RUNNING', error = '', finished_at = NULL
		WHERE id = $1 AND status = 'FAILED'
	`
	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("resume execution: %w", err)
	}
	return nil
}

// SetContextValue записывает одно значение контекста (last-write-wins).
//
// Идемпотентно: повторная запись того же значения безопасна.
func (r *ExecutionRepo) SetContextValue(ctx context.Context, id uuid.UUID, name string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal context value: %w", err)
	}

	query := `
		UPDATE executions
		SET context = jsonb_set(COALESCE(context, '{}'::jsonb), ARRAY[$2], $3::jsonb, true)
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, name, valueJSON); err != nil {
		return fmt.Errorf("set context value: %w", err)
	}
	return nil
}

const selectExecution = `
	SELECT id, playbook_id, version, status, input, context, parent_id,
	       error, COALESCE(idempotency_key, ''), started_at, finished_at, created_at
	FROM executions`

func (r *ExecutionRepo) scan(row pgx.Row) (*domain.Execution, error) {
	var exec domain.Execution
	var inputJSON, contextJSON []byte

	err := row.Scan(
		&exec.ID,
		&exec.PlaybookID,
		&exec.Version,
		&exec.Status,
		&inputJSON,
		&contextJSON,
		&exec.ParentID,
		&exec.Error,
		&exec.IdempotencyKey,
		&exec.StartedAt,
		&exec.FinishedAt,
		&exec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &exec.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &exec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &exec, nil
}
