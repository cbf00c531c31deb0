// Package api реализует HTTP API движка.
//
// Поверхность: playbooks (версионируемые спецификации), executions
// (запуск, статус со снапшотом контекста, отмена), DLQ
// (list/show/replay/discard), schedules.
//
// Снапшоты контекста и payload'ы DLQ отдаются наружу только
// с отредактированными секретами.
package api
