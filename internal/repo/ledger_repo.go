package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepo — журнал выполненных sink-записей.
//
// Exactly-once семантика sink построена на условном INSERT:
// запись выполняется, только если ключ удалось вставить первым.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

// NewLedgerRepo создаёт новый LedgerRepo.
func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// TryRecord вставляет ключ sink-записи.
//
// Возвращает true, если ключ записан впервые — вызывающий должен
// выполнить sink. False означает, что запись уже сделана ранее.
func (r *LedgerRepo) TryRecord(ctx context.Context, sinkKey string, executionID uuid.UUID, stepID, sinkID string) (bool, error) {
	query := `
		INSERT INTO sink_ledger (sink_key, execution_id, step_id, sink_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sink_key) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, sinkKey, executionID, stepID, sinkID)
	if err != nil {
		return false, fmt.Errorf("record sink key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Exists проверяет, выполнена ли уже sink-запись с данным ключом.
func (r *LedgerRepo) Exists(ctx context.Context, sinkKey string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM sink_ledger WHERE sink_key = $1)`
	if err := r.pool.QueryRow(ctx, query, sinkKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("check sink key: %w", err)
	}
	return exists, nil
}
