package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPlugin — плагин типа "postgres": запрос к базе данных.
//
// Config:
//   - query (string): SQL-запрос (обязательно)
//   - mode (string): "query" (default) — вернуть строки, "exec" — только
//     число затронутых строк
//
// Args:
//   - params ([]any): позиционные параметры $1..$N
//
// Output:
//   - mode query: {"rows": []map[string]any, "count": int}
//   - mode exec:  {"rows_affected": int}
//
// Ошибки сериализации и deadlock retryable, синтаксис и нарушение
// ограничений fatal.
type PostgresPlugin struct {
	pool *pgxpool.Pool
}

// NewPostgresPlugin создаёт плагин поверх пула соединений.
func NewPostgresPlugin(pool *pgxpool.Pool) *PostgresPlugin {
	return &PostgresPlugin{pool: pool}
}

// Execute выполняет SQL-запрос.
func (p *PostgresPlugin) Execute(ctx context.Context, call Call) (*Result, error) {
	query := getString(call.Config, "query", "")
	if query == "" {
		return nil, Fatal(fmt.Errorf("%w: postgres plugin requires \"query\"", ErrBadConfig))
	}

	params := queryParams(call.Args)

	if getString(call.Config, "mode", "query") == "exec" {
		tag, err := p.pool.Exec(ctx, query, params...)
		if err != nil {
			return nil, classifyPgError(err)
		}
		return &Result{
			Output: map[string]any{"rows_affected": tag.RowsAffected()},
		}, nil
	}

	rows, err := p.pool.Query(ctx, query, params...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyPgError(err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}

	return &Result{
		Output: map[string]any{"rows": out, "count": len(out)},
		Logs:   []string{fmt.Sprintf("query returned %d rows", len(out))},
	}, nil
}

// queryParams извлекает позиционные параметры из args.
func queryParams(args map[string]any) []any {
	raw, ok := args["params"]
	if !ok {
		return nil
	}
	params, ok := raw.([]any)
	if !ok {
		return []any{raw}
	}
	return params
}

// classifyPgError сопоставляет код ошибки Postgres с классом.
//
// 40001 (serialization_failure) и 40P01 (deadlock_detected) — гонки,
// безопасно повторить. Классы 42 (синтаксис) и 23 (ограничения
// целостности) не исправятся повтором.
func classifyPgError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return Retryable(err)
		case strings.HasPrefix(pgErr.Code, "42") || strings.HasPrefix(pgErr.Code, "23"):
			return Fatal(err)
		}
	}
	return Retryable(err)
}
