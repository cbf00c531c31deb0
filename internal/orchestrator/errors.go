package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrExecutionNotFound — выполнение не найдено в БД.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrPlaybookNotFound — playbook или его версия не найдены.
	ErrPlaybookNotFound = errors.New("playbook not found")

	// ErrExecutionNotRunning — выполнение уже финализировано.
	ErrExecutionNotRunning = errors.New("execution is not running")

	// ErrExecutionAlreadyActive — выполнение уже обрабатывается.
	ErrExecutionAlreadyActive = errors.New("execution already being processed")

	// ErrStepNotFound — шаг не найден в графе.
	ErrStepNotFound = errors.New("step not found in graph")

	// ErrGateFailed — вычисление gate завершилось ошибкой при политике fail-step.
	ErrGateFailed = errors.New("gate evaluation failed")

	// ErrSinkWrite — не подтверждена запись sink; результат будет реплеен.
	ErrSinkWrite = errors.New("sink write failed")
)
