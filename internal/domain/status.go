package domain

// ExecutionStatus — статус выполнения.
//
// Жизненный цикл:
//
//	RUNNING → OK
//	        ↘ FAILED
//	        ↘ CANCELLED
type ExecutionStatus string

const (
	// ExecutionRunning — выполнение в процессе.
	ExecutionRunning ExecutionStatus = "RUNNING"

	// ExecutionOK — выполнение успешно завершено.
	ExecutionOK ExecutionStatus = "OK"

	// ExecutionFailed — выполнение завершилось с ошибкой.
	ExecutionFailed ExecutionStatus = "FAILED"

	// ExecutionCancelled — выполнение отменено пользователем.
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionOK, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepStatus — статус шага в рамках выполнения.
//
// Жизненный цикл:
//
//	PENDING → PARKED (вызван, gate ложен; перепроверяется при изменениях контекста)
//	        ↘ RUNNING (gate истинен, задачи поставлены в очередь)
//	PARKED  → RUNNING
//	RUNNING → DONE (терминальный; ok или failed — см. StepState.OK)
//
// Переход в DONE происходит ровно один раз и не откатывается.
type StepStatus string

const (
	// StepPending — шаг ещё не вызывался.
	StepPending StepStatus = "PENDING"

	// StepParked — шаг вызван, но gate-условие ложно.
	StepParked StepStatus = "PARKED"

	// StepRunning — шаг диспетчеризован, задачи в очереди или выполняются.
	StepRunning StepStatus = "RUNNING"

	// StepDone — шаг завершён (успешно или с ошибкой).
	StepDone StepStatus = "DONE"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	return s == StepDone
}

// MessageStatus — статус сообщения очереди задач.
//
// Жизненный цикл:
//
//	QUEUED → LEASED → DONE
//	               ↘ QUEUED (lease истёк или nack → redelivery)
//	               ↘ DLQ (fatal или исчерпаны попытки)
type MessageStatus string

const (
	// MessageQueued — сообщение доступно для claim.
	MessageQueued MessageStatus = "QUEUED"

	// MessageLeased — сообщение захвачено воркером (lease активен).
	MessageLeased MessageStatus = "LEASED"

	// MessageDone — результат сообщения принят оркестратором.
	MessageDone MessageStatus = "DONE"

	// MessageDLQ — сообщение перемещено в dead-letter queue.
	MessageDLQ MessageStatus = "DLQ"
)

// DLQStatus — статус записи DLQ.
type DLQStatus string

const (
	// DLQActive — запись ожидает решения оператора.
	DLQActive DLQStatus = "ACTIVE"

	// DLQReplayed — запись повторно поставлена в очередь.
	DLQReplayed DLQStatus = "REPLAYED"

	// DLQDiscarded — запись отброшена оператором.
	DLQDiscarded DLQStatus = "DISCARDED"
)
