// Package scheduler запускает playbooks по расписанию.
//
// Scheduler периодически проверяет schedules с истекшим next_due_at
// и создаёт выполнения через Submitter.
//
// Структура:
//   - scheduler.go — цикл тиков и запуск due-расписаний
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Дубликаты:
//
// Несколько экземпляров планировщика безопасны без leader election:
// ключ идемпотентности выполнения выводится из (schedule, due-time),
// поэтому повторный Submit за то же due-время возвращает уже
// созданное выполнение.
package scheduler
