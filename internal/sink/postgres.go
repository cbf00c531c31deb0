package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink — запись результата в таблицу Postgres.
//
// Бизнес-запись (upsert по ключу) и вставка в ledger выполняются
// одной транзакцией — атомарная единица exactly-once. Конфликт
// в ledger означает, что запись уже была сделана: транзакция
// откатывается без эффекта.
//
// Конфигурация: {"table": "results"} — имя целевой таблицы.
// Таблица должна иметь колонки (sink_key TEXT PRIMARY KEY, value JSONB).
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink создаёт приёмник.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// identRe — допустимые имена таблиц (идентификатор в конфиге,
// не пользовательский ввод, но проверяем всё равно).
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Write выполняет upsert значения и отметку ledger в одной транзакции.
func (s *PostgresSink) Write(ctx context.Context, req Request) error {
	table, _ := req.Config["table"].(string)
	if table == "" {
		return fmt.Errorf("%w: postgres sink requires \"table\"", ErrBadConfig)
	}
	if !identRe.MatchString(table) {
		return fmt.Errorf("%w: bad table name %q", ErrBadConfig, table)
	}

	valueJSON, err := json.Marshal(req.Value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ledgerQuery := `
		INSERT INTO sink_ledger (sink_key, execution_id, step_id, sink_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sink_key) DO NOTHING
	`
	tag, err := tx.Exec(ctx, ledgerQuery, req.Key, req.ExecutionID, req.StepID, req.SinkID)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Запись уже подтверждена ранее.
		return nil
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (sink_key, value)
		VALUES ($1, $2)
		ON CONFLICT (sink_key) DO UPDATE SET value = EXCLUDED.value
	`, table)
	if _, err := tx.Exec(ctx, upsert, req.Key, valueJSON); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
