package worker

import "errors"

// Ошибки пакета worker.
var (
	// ErrLeaseLost — lease сообщения потерян (heartbeat отклонён):
	// сообщение уже перезахвачено другим воркером.
	ErrLeaseLost = errors.New("task lease lost")

	// ErrBadPayload — payload сообщения очереди не соответствует
	// контракту диспетчера.
	ErrBadPayload = errors.New("malformed task payload")
)
