package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SinkLedgerEntry — долговечная запись о выполненной записи в sink.
//
// Наличие записи — авторитетный сигнал "уже сделано" для exactly-once:
// бизнес-запись и вставка в ledger выполняются в одной атомарной единице,
// конфликт уникальности при retry трактуется как успех.
type SinkLedgerEntry struct {
	// Key — детерминированный ключ записи (см. SinkKey).
	Key string `json:"key"`

	// ExecutionID — ссылка на выполнение.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ID шага.
	StepID string `json:"step_id"`

	// SinkID — идентификатор sink в шаге.
	SinkID string `json:"sink_id"`

	// CreatedAt — время подтверждения записи.
	CreatedAt time.Time `json:"created_at"`
}

// SinkKey строит детерминированный ключ идемпотентности записи sink:
// execution_id:step_id:loop-key-or-index:sink_id.
//
// Для элементов цикла используется LoopKey, если задан, иначе индекс.
// Вне цикла сегмент равен "-".
func SinkKey(executionID uuid.UUID, stepID string, loopIndex int, loopKey, sinkID string) string {
	seg := "-"
	switch {
	case loopKey != "":
		seg = loopKey
	case loopIndex != NoLoopIndex:
		seg = fmt.Sprintf("%d", loopIndex)
	}
	return fmt.Sprintf("%s:%s:%s:%s", executionID, stepID, seg, sinkID)
}
