package domain

import (
	"time"

	"github.com/google/uuid"
)

// DLQEntry — запись о терминально упавшей задаче.
//
// Создаётся при fatal-ошибке или исчерпании retry; завершается
// оператором: replay (повторная постановка в очередь, опционально
// с исправленным payload) или discard.
type DLQEntry struct {
	// MessageID — ID исходного сообщения очереди.
	MessageID uuid.UUID `json:"message_id"`

	// ExecutionID — ссылка на выполнение.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ID шага.
	StepID string `json:"step_id"`

	// Kind — тип плагина.
	Kind string `json:"kind"`

	// LoopIndex — индекс элемента цикла; NoLoopIndex вне цикла.
	LoopIndex int `json:"loop_index"`

	// LoopKey — ключ элемента цикла.
	LoopKey string `json:"loop_key,omitempty"`

	// Attempts — количество сделанных попыток.
	Attempts int `json:"attempts"`

	// ErrorClass — класс последней ошибки.
	ErrorClass ErrorClass `json:"error_class"`

	// LastError — текст последней ошибки.
	LastError string `json:"last_error"`

	// Payload — снимок payload с отредактированными секретами.
	Payload map[string]any `json:"payload,omitempty"`

	// Status — текущий статус записи.
	Status DLQStatus `json:"status"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения (replay/discard).
	UpdatedAt time.Time `json:"updated_at"`
}

// CanReplay возвращает true, если запись можно реплеить.
func (e *DLQEntry) CanReplay() bool {
	return e.Status == DLQActive
}
