package domain

import (
	"time"

	"github.com/google/uuid"
)

// NoLoopIndex — значение LoopIndex для сообщений вне цикла.
const NoLoopIndex = -1

// QueueMessage — единица диспетчеризованной работы: шаг целиком
// или один элемент цикла шага.
//
// Очередь даёт at-least-once доставку через claim-with-lease:
// сообщение доступно для claim, когда оно QUEUED и его not_before
// наступило, либо когда lease предыдущего владельца истёк.
type QueueMessage struct {
	// ID — уникальный идентификатор сообщения.
	ID uuid.UUID `json:"id"`

	// ExecutionID — ссылка на выполнение.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ID шага.
	StepID string `json:"step_id"`

	// Kind — тип плагина (для per-kind лимитов воркера).
	Kind string `json:"kind"`

	// LoopIndex — индекс элемента цикла; NoLoopIndex вне цикла.
	LoopIndex int `json:"loop_index"`

	// LoopKey — ключ элемента для map-collect; пустая строка вне цикла.
	LoopKey string `json:"loop_key,omitempty"`

	// Payload — отрендеренная конфигурация и аргументы плагина.
	Payload map[string]any `json:"payload,omitempty"`

	// Attempt — номер попытки (начиная с 1 при первом claim).
	Attempt int `json:"attempt"`

	// Priority — приоритет выборки (меньше — раньше).
	Priority int `json:"priority"`

	// Status — текущий статус сообщения.
	Status MessageStatus `json:"status"`

	// NotBefore — время, раньше которого сообщение не выдаётся
	// (используется для backoff при retry).
	NotBefore time.Time `json:"not_before"`

	// LeaseExpiresAt — время истечения lease. Nil, если не захвачено.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// WorkerID — идентификатор воркера-владельца lease.
	WorkerID string `json:"worker_id,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// LeaseExpired возвращает true, если lease сообщения истёк.
func (m *QueueMessage) LeaseExpired(now time.Time) bool {
	return m.LeaseExpiresAt != nil && now.After(*m.LeaseExpiresAt)
}

// Claimable возвращает true, если сообщение доступно для claim.
func (m *QueueMessage) Claimable(now time.Time) bool {
	switch m.Status {
	case MessageQueued:
		return !now.Before(m.NotBefore)
	case MessageLeased:
		return m.LeaseExpired(now)
	default:
		return false
	}
}

// TaskResult — отчёт воркера по одному QueueMessage.
//
// Потребляется оркестратором ровно один раз (processed-флаг в БД);
// повторная доставка того же message id идемпотентна.
type TaskResult struct {
	// MessageID — ссылка на сообщение очереди.
	MessageID uuid.UUID `json:"message_id"`

	// ExecutionID — ссылка на выполнение.
	ExecutionID uuid.UUID `json:"execution_id"`

	// StepID — ID шага.
	StepID string `json:"step_id"`

	// LoopIndex — индекс элемента цикла; NoLoopIndex вне цикла.
	LoopIndex int `json:"loop_index"`

	// LoopKey — ключ элемента цикла.
	LoopKey string `json:"loop_key,omitempty"`

	// OK — true, если плагин выполнился успешно.
	OK bool `json:"ok"`

	// Output — сырой результат плагина.
	Output any `json:"output,omitempty"`

	// Logs — строки лога выполнения плагина.
	Logs []string `json:"logs,omitempty"`

	// ErrorClass — класс ошибки (см. ErrorClass).
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	// Error — текст ошибки.
	Error string `json:"error,omitempty"`

	// Attempt — номер попытки, на которой получен результат.
	Attempt int `json:"attempt"`

	// ReportedAt — время отчёта воркера.
	ReportedAt time.Time `json:"reported_at"`
}
