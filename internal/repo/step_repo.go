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

// StepRepo — репозиторий состояний шагов, счётчиков циклов
// и накопленных collect-элементов.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// Ensure создаёт запись шага в статусе PENDING, если её ещё нет.
func (r *StepRepo) Ensure(ctx context.Context, executionID uuid.UUID, stepID string) error {
	query := `
		INSERT INTO step_states (execution_id, step_id, status)
		VALUES ($1, $2, 'PENDING')
		ON CONFLICT (execution_id, step_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, executionID, stepID); err != nil {
		return fmt.Errorf("ensure step state: %w", err)
	}
	return nil
}

// Get возвращает состояние одного шага.
func (r *StepRepo) Get(ctx context.Context, executionID uuid.UUID, stepID string) (*domain.StepState, error) {
	query := selectStepState + ` WHERE execution_id = $1 AND step_id = $2`
	return r.scan(r.pool.QueryRow(ctx, query, executionID, stepID))
}

// ListByExecution возвращает состояния всех шагов выполнения.
func (r *StepRepo) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]domain.StepState, error) {
	query := selectStepState + ` WHERE execution_id = $1 ORDER BY step_id`
	rows, err := r.pool.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step states: %w", err)
	}
	defer rows.Close()

	var states []domain.StepState
	for rows.Next() {
		st, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// TryDispatch выполняет идемпотентный переход шага в RUNNING.
//
// Переход происходит не более одного раза: условный UPDATE из
// PENDING/PARKED. Возвращает true, если вызывающий стал владельцем
// dispatch; false при конкурентном или повторном вызове.
func (r *StepRepo) TryDispatch(ctx context.Context, executionID uuid.UUID, stepID string) (bool, error) {
	query := `
		UPDATE step_states
		SET status = 'RUNNING', started_at = now()
		WHERE execution_id = $1 AND step_id = $2 AND status IN ('PENDING', 'PARKED')
	`
	tag, err := r.pool.Exec(ctx, query, executionID, stepID)
	if err != nil {
		return false, fmt.Errorf("dispatch step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Park переводит шаг в PARKED (gate вычислился в false).
//
// Допустим только из PENDING: RUNNING и DONE не паркуются.
func (r *StepRepo) Park(ctx context.Context, executionID uuid.UUID, stepID string) error {
	query := `
		UPDATE step_states
		SET status = 'PARKED'
		WHERE execution_id = $1 AND step_id = $2 AND status = 'PENDING'
	`
	if _, err := r.pool.Exec(ctx, query, executionID, stepID); err != nil {
		return fmt.Errorf("park step: %w", err)
	}
	return nil
}

// MarkDone переводит шаг в терминальный DONE с итогом.
//
// Идемпотентно: уже завершённый шаг не перезаписывается.
func (r *StepRepo) MarkDone(ctx context.Context, executionID uuid.UUID, stepID string, ok bool, errText string) error {
	query := `
		UPDATE step_states
		SET status = 'DONE', ok = $3, error = $4, done_at = now()
		WHERE execution_id = $1 AND step_id = $2 AND status <> 'DONE'
	`
	if _, err := r.pool.Exec(ctx, query, executionID, stepID, ok, errText); err != nil {
		return fmt.Errorf("mark step done: %w", err)
	}
	return nil
}

// SetLoopTotal фиксирует размер коллекции цикла при dispatch.
//
// Записывается один раз: повторный dispatch после replay не меняет total.
func (r *StepRepo) SetLoopTotal(ctx context.Context, executionID uuid.UUID, stepID string, total int) error {
	query := `
		UPDATE step_states
		SET loop_total = $3
		WHERE execution_id = $1 AND step_id = $2 AND loop_total IS NULL
	`
	if _, err := r.pool.Exec(ctx, query, executionID, stepID, total); err != nil {
		return fmt.Errorf("set loop total: %w", err)
	}
	return nil
}

// IncrementLoop атомарно увеличивает счётчики цикла и возвращает
// их актуальные значения.
//
// Идемпотентно по индексу элемента: факт интеграции фиксируется
// вставкой в loop_integrations в том же statement, повторная интеграция
// того же элемента возвращает счётчики без изменения. Предикат
// loop_done вычисляется вызывающим только из возвращённых долговечных
// счётчиков.
func (r *StepRepo) IncrementLoop(ctx context.Context, executionID uuid.UUID, stepID string, loopIndex int, ok bool) (*domain.LoopProgress, error) {
	query := `
		WITH ins AS (
			INSERT INTO loop_integrations (execution_id, step_id, loop_index)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
			RETURNING 1
		)
		UPDATE step_states
		SET loop_completed = loop_completed + (SELECT count(*)::int FROM ins),
		    loop_succeeded = loop_succeeded + CASE WHEN $4 THEN (SELECT count(*)::int FROM ins) ELSE 0 END,
		    loop_failed    = loop_failed    + CASE WHEN $4 THEN 0 ELSE (SELECT count(*)::int FROM ins) END
		WHERE execution_id = $1 AND step_id = $2
		RETURNING COALESCE(loop_total, 0), loop_completed, loop_succeeded, loop_failed, loop_early_exit
	`
	var p domain.LoopProgress
	err := r.pool.QueryRow(ctx, query, executionID, stepID, loopIndex, ok).
		Scan(&p.Total, &p.Completed, &p.Succeeded, &p.Failed, &p.EarlyExit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("increment loop counters: %w", err)
	}
	return &p, nil
}

// MarkEarlyExit фиксирует срабатывание условия until.
func (r *StepRepo) MarkEarlyExit(ctx context.Context, executionID uuid.UUID, stepID string) error {
	query := `
		UPDATE step_states
		SET loop_early_exit = true
		WHERE execution_id = $1 AND step_id = $2
	`
	if _, err := r.pool.Exec(ctx, query, executionID, stepID); err != nil {
		return fmt.Errorf("mark loop early exit: %w", err)
	}
	return nil
}

// AppendCollectItem записывает один collect-элемент.
//
// PK (execution, step, target, loop_key) гарантирует отсутствие дублей
// при повторной интеграции того же результата.
func (r *StepRepo) AppendCollectItem(ctx context.Context, executionID uuid.UUID, stepID, target, loopKey string, loopIndex int, item any) error {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal collect item: %w", err)
	}

	query := `
		INSERT INTO collect_items (execution_id, step_id, target, loop_key, loop_index, item)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, step_id, target, loop_key) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, executionID, stepID, target, loopKey, loopIndex, itemJSON); err != nil {
		return fmt.Errorf("append collect item: %w", err)
	}
	return nil
}

// CollectList материализует накопленный список в порядке индексов.
func (r *StepRepo) CollectList(ctx context.Context, executionID uuid.UUID, stepID, target string) ([]any, error) {
	query := `
		SELECT item
		FROM collect_items
		WHERE execution_id = $1 AND step_id = $2 AND target = $3
		ORDER BY loop_index
	`
	rows, err := r.pool.Query(ctx, query, executionID, stepID, target)
	if err != nil {
		return nil, fmt.Errorf("collect list: %w", err)
	}
	defer rows.Close()

	items := []any{}
	for rows.Next() {
		var itemJSON []byte
		if err := rows.Scan(&itemJSON); err != nil {
			return nil, fmt.Errorf("scan collect item: %w", err)
		}
		var item any
		if len(itemJSON) > 0 {
			if err := json.Unmarshal(itemJSON, &item); err != nil {
				return nil, fmt.Errorf("unmarshal collect item: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CollectMap материализует накопленный map по ключам элементов.
func (r *StepRepo) CollectMap(ctx context.Context, executionID uuid.UUID, stepID, target string) (map[string]any, error) {
	query := `
		SELECT loop_key, item
		FROM collect_items
		WHERE execution_id = $1 AND step_id = $2 AND target = $3
	`
	rows, err := r.pool.Query(ctx, query, executionID, stepID, target)
	if err != nil {
		return nil, fmt.Errorf("collect map: %w", err)
	}
	defer rows.Close()

	items := map[string]any{}
	for rows.Next() {
		var key string
		var itemJSON []byte
		if err := rows.Scan(&key, &itemJSON); err != nil {
			return nil, fmt.Errorf("scan collect item: %w", err)
		}
		var item any
		if len(itemJSON) > 0 {
			if err := json.Unmarshal(itemJSON, &item); err != nil {
				return nil, fmt.Errorf("unmarshal collect item: %w", err)
			}
		}
		items[key] = item
	}
	return items, rows.Err()
}

const selectStepState = `
	SELECT execution_id, step_id, status, ok, error,
	       loop_total, loop_completed, loop_succeeded, loop_failed, loop_early_exit,
	       started_at, done_at
	FROM step_states`

func (r *StepRepo) scan(row pgx.Row) (*domain.StepState, error) {
	var st domain.StepState
	var loopTotal *int
	var completed, succeeded, failed int
	var earlyExit bool
	var startedAt, doneAt *time.Time

	err := row.Scan(
		&st.ExecutionID,
		&st.StepID,
		&st.Status,
		&st.OK,
		&st.Error,
		&loopTotal,
		&completed,
		&succeeded,
		&failed,
		&earlyExit,
		&startedAt,
		&doneAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan step state: %w", err)
	}

	if loopTotal != nil {
		st.Loop = &domain.LoopProgress{
			Total:     *loopTotal,
			Completed: completed,
			Succeeded: succeeded,
			Failed:    failed,
			EarlyExit: earlyExit,
		}
	}
	st.StartedAt = startedAt
	st.DoneAt = doneAt
	return &st, nil
}
