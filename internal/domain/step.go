package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepState — состояние одного шага в рамках выполнения.
//
// Ровно одна запись на пару (execution, step). Единственный источник
// правды для идемпотентности: переход PENDING/PARKED → RUNNING выполняется
// условным UPDATE и происходит не более одного раза, переход в DONE
// не откатывается.
type StepState struct {
	// ExecutionID — ссылка на выполнение.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ID шага из PlaybookSpec.
	StepID string `json:"step_id"`

	// Status — текущий статус шага.
	Status StepStatus `json:"status"`

	// OK — итог шага: nil пока неизвестен, затем true/false.
	OK *bool `json:"ok,omitempty"`

	// Error — текст ошибки при неудаче.
	Error string `json:"error,omitempty"`

	// Loop — счётчики цикла. Nil для шагов без loop-спецификации.
	Loop *LoopProgress `json:"loop,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// DoneAt — время перехода в DONE.
	DoneAt *time.Time `json:"done_at,omitempty"`
}

// LoopProgress — долговечные счётчики цикла шага.
//
// Предикат loop_done вычисляется только из этих счётчиков,
// никогда из in-memory списка диспетчеризации.
type LoopProgress struct {
	// Total — количество элементов коллекции, зафиксированное при dispatch.
	Total int `json:"total"`

	// Completed — количество интегрированных результатов элементов.
	Completed int `json:"completed"`

	// Succeeded — количество успешных элементов.
	Succeeded int `json:"succeeded"`

	// Failed — количество упавших элементов.
	Failed int `json:"failed"`

	// EarlyExit — true, если сработало условие until.
	EarlyExit bool `json:"early_exit,omitempty"`
}

// Done возвращает true, если все элементы цикла интегрированы
// или сработал ранний выход.
func (l *LoopProgress) Done() bool {
	return l.EarlyExit || l.Completed >= l.Total
}

// Succeeded возвращает итог цикла: строгий режим требует успеха всех
// элементов; threshold > 0 задаёт минимальную долю успешных.
func (l *LoopProgress) SucceededWith(threshold float64) bool {
	if l.Total == 0 {
		return true
	}
	if threshold > 0 {
		return float64(l.Succeeded)/float64(l.Total) >= threshold
	}
	return l.Failed == 0
}

// IsDone возвращает true, если шаг завершён.
func (s *StepState) IsDone() bool {
	return s.Status == StepDone
}

// IsOK возвращает true, если шаг завершён успешно.
func (s *StepState) IsOK() bool {
	return s.Status == StepDone && s.OK != nil && *s.OK
}
