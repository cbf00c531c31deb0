package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema — DDL всех таблиц Kontur. Применяется идемпотентно при старте.
//
// Уникальные ограничения — основа идемпотентности:
//   - step_states PK         — идемпотентный dispatch (условный UPDATE)
//   - loop_integrations PK   — счётчики цикла не двигаются дважды одним элементом
//   - collect_items PK       — append без дублей при replay результата
//   - sink_ledger PK         — exactly-once записи sink
//   - executions idempotency — дедупликация scheduled-запусков
const schema = `
CREATE TABLE IF NOT EXISTS playbooks (
	id          UUID        NOT NULL,
	name        TEXT        NOT NULL,
	version     INT         NOT NULL,
	spec        JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS playbooks_name_version
	ON playbooks (name, version);

CREATE TABLE IF NOT EXISTS executions (
	id              UUID        PRIMARY KEY,
	playbook_id     UUID        NOT NULL,
	version         INT         NOT NULL,
	status          TEXT        NOT NULL,
	input           JSONB,
	context         JSONB,
	parent_id       UUID,
	error           TEXT        NOT NULL DEFAULT '',
	idempotency_key TEXT,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS executions_idempotency
	ON executions (idempotency_key)
	WHERE idempotency_key IS NOT NULL AND idempotency_key <> '';

CREATE TABLE IF NOT EXISTS step_states (
	execution_id    UUID        NOT NULL,
	step_id         TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	ok              BOOLEAN,
	error           TEXT        NOT NULL DEFAULT '',
	loop_total      INT,
	loop_completed  INT         NOT NULL DEFAULT 0,
	loop_succeeded  INT         NOT NULL DEFAULT 0,
	loop_failed     INT         NOT NULL DEFAULT 0,
	loop_early_exit BOOLEAN     NOT NULL DEFAULT false,
	started_at      TIMESTAMPTZ,
	done_at         TIMESTAMPTZ,
	PRIMARY KEY (execution_id, step_id)
);

CREATE TABLE IF NOT EXISTS loop_integrations (
	execution_id UUID NOT NULL,
	step_id      TEXT NOT NULL,
	loop_index   INT  NOT NULL,
	PRIMARY KEY (execution_id, step_id, loop_index)
);

CREATE TABLE IF NOT EXISTS collect_items (
	execution_id UUID NOT NULL,
	step_id      TEXT NOT NULL,
	target       TEXT NOT NULL,
	loop_key     TEXT NOT NULL,
	loop_index   INT  NOT NULL,
	item         JSONB,
	PRIMARY KEY (execution_id, step_id, target, loop_key)
);

CREATE TABLE IF NOT EXISTS task_queue (
	id               UUID        PRIMARY KEY,
	execution_id     UUID        NOT NULL,
	step_id          TEXT        NOT NULL,
	kind             TEXT        NOT NULL,
	loop_index       INT         NOT NULL DEFAULT -1,
	loop_key         TEXT        NOT NULL DEFAULT '',
	payload          JSONB,
	attempt          INT         NOT NULL DEFAULT 0,
	priority         INT         NOT NULL DEFAULT 100,
	status           TEXT        NOT NULL DEFAULT 'QUEUED',
	not_before       TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_expires_at TIMESTAMPTZ,
	worker_id        TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS task_queue_claim
	ON task_queue (status, not_before, priority, created_at);

CREATE TABLE IF NOT EXISTS task_results (
	message_id   UUID        PRIMARY KEY,
	execution_id UUID        NOT NULL,
	step_id      TEXT        NOT NULL,
	loop_index   INT         NOT NULL DEFAULT -1,
	loop_key     TEXT        NOT NULL DEFAULT '',
	ok           BOOLEAN     NOT NULL,
	output       JSONB,
	logs         JSONB,
	error_class  TEXT        NOT NULL DEFAULT '',
	error        TEXT        NOT NULL DEFAULT '',
	attempt      INT         NOT NULL DEFAULT 0,
	processed    BOOLEAN     NOT NULL DEFAULT false,
	reported_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS task_results_unprocessed
	ON task_results (processed, reported_at);

CREATE TABLE IF NOT EXISTS sink_ledger (
	sink_key     TEXT        PRIMARY KEY,
	execution_id UUID        NOT NULL,
	step_id      TEXT        NOT NULL,
	sink_id      TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dlq (
	message_id   UUID        PRIMARY KEY,
	execution_id UUID        NOT NULL,
	step_id      TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	loop_index   INT         NOT NULL DEFAULT -1,
	loop_key     TEXT        NOT NULL DEFAULT '',
	attempts     INT         NOT NULL,
	error_class  TEXT        NOT NULL,
	last_error   TEXT        NOT NULL,
	payload      JSONB,
	status       TEXT        NOT NULL DEFAULT 'ACTIVE',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schedules (
	id                UUID        PRIMARY KEY,
	playbook_id       UUID        NOT NULL,
	name              TEXT        NOT NULL DEFAULT '',
	cron_expr         TEXT        NOT NULL DEFAULT '',
	interval_sec      INT         NOT NULL DEFAULT 0,
	timezone          TEXT        NOT NULL DEFAULT 'UTC',
	enabled           BOOLEAN     NOT NULL DEFAULT true,
	next_due_at       TIMESTAMPTZ,
	last_run_at       TIMESTAMPTZ,
	last_execution_id UUID,
	input             JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Bootstrap применяет схему БД. Безопасно вызывать при каждом старте.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
