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

// ResultRepo — репозиторий отчётов воркеров.
//
// Результат сохраняется воркером (upsert по message id, replay безопасен)
// и потребляется оркестратором ровно один раз через processed-флаг.
type ResultRepo struct {
	pool *pgxpool.Pool
}

// NewResultRepo создаёт новый ResultRepo.
func NewResultRepo(pool *pgxpool.Pool) *ResultRepo {
	return &ResultRepo{pool: pool}
}

// Save сохраняет отчёт воркера.
//
// Повторная доставка того же message id не перезаписывает уже
// сохранённый результат.
func (r *ResultRepo) Save(ctx context.Context, res *domain.TaskResult) error {
	outputJSON, err := json.Marshal(res.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	logsJSON, err := json.Marshal(res.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	query := `
		INSERT INTO task_results (message_id, execution_id, step_id, loop_index, loop_key,
		                          ok, output, logs, error_class, error, attempt, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		res.MessageID,
		res.ExecutionID,
		res.StepID,
		res.LoopIndex,
		res.LoopKey,
		res.OK,
		outputJSON,
		logsJSON,
		string(res.ErrorClass),
		res.Error,
		res.Attempt,
		res.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("save task result: %w", err)
	}
	return nil
}

// Consume помечает результат обработанным.
//
// Возвращает true ровно один раз на message id: условный UPDATE
// по processed = false — защита интеграции от повторной доставки.
func (r *ResultRepo) Consume(ctx context.Context, messageID uuid.UUID) (bool, error) {
	query := `
		UPDATE task_results
		SET processed = true
		WHERE message_id = $1 AND processed = false
	`
	tag, err := r.pool.Exec(ctx, query, messageID)
	if err != nil {
		return false, fmt.Errorf("consume task result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByMessageID возвращает результат по ID сообщения.
func (r *ResultRepo) GetByMessageID(ctx context.Context, messageID uuid.UUID) (*domain.TaskResult, error) {
	query := selectTaskResult + ` WHERE message_id = $1`
	return r.scan(r.pool.QueryRow(ctx, query, messageID))
}

// ListUnprocessed возвращает необработанные результаты
// (polling fallback при потере MQ-события).
func (r *ResultRepo) ListUnprocessed(ctx context.Context, limit int) ([]domain.TaskResult, error) {
	if limit <= 0 {
		limit = 100
	}

	query := selectTaskResult + ` WHERE processed = false ORDER BY reported_at LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed results: %w", err)
	}
	defer rows.Close()

	var results []domain.TaskResult
	for rows.Next() {
		res, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

const selectTaskResult = `
	SELECT message_id, execution_id, step_id, loop_index, loop_key,
	       ok, output, logs, error_class, error, attempt, reported_at
	FROM task_results`

func (r *ResultRepo) scan(row pgx.Row) (*domain.TaskResult, error) {
	var res domain.TaskResult
	var outputJSON, logsJSON []byte
	var errorClass string

	err := row.Scan(
		&res.MessageID,
		&res.ExecutionID,
		&res.StepID,
		&res.LoopIndex,
		&res.LoopKey,
		&res.OK,
		&outputJSON,
		&logsJSON,
		&errorClass,
		&res.Error,
		&res.Attempt,
		&res.ReportedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task result: %w", err)
	}

	res.ErrorClass = domain.ErrorClass(errorClass)
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &res.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &res.Logs); err != nil {
			return nil, fmt.Errorf("unmarshal logs: %w", err)
		}
	}
	return &res, nil
}
