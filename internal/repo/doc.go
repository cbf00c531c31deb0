// Package repo — слой доступа к Postgres.
//
// Все долговечные структуры Kontur (playbooks, executions, step_states,
// очередь задач, результаты, sink-журнал, DLQ, расписания) живут здесь.
// Репозитории держат весь SQL inline и кодируют инварианты идемпотентности
// на уровне запросов: условные UPDATE для once-only переходов,
// ON CONFLICT DO NOTHING для replay-безопасных вставок.
package repo
