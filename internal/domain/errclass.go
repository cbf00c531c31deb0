package domain

// ErrorClass — классификация ошибок выполнения.
//
// Определяет политику обработки: retryable-ошибки повторяются с backoff
// до исчерпания попыток, fatal уходят в DLQ сразу, sink-ошибки повторяются
// со своим ключом идемпотентности, cancel останавливает работу
// без пометки "failed".
type ErrorClass string

const (
	// ErrorRetryable — временная ошибка: сетевой таймаут, 5xx, 429,
	// конфликт сериализации.
	ErrorRetryable ErrorClass = "RETRYABLE"

	// ErrorFatal — постоянная ошибка: валидация, 4xx (кроме 429).
	ErrorFatal ErrorClass = "FATAL"

	// ErrorSink — ошибка записи в sink. Повторяется с тем же ключом
	// идемпотентности, поэтому retry всегда безопасен.
	ErrorSink ErrorClass = "SINK"

	// ErrorTimeout — превышение таймаута выполнения. Retryable, кроме
	// таймаутов вычисления gate/edge (отдельная политика роутера).
	ErrorTimeout ErrorClass = "TIMEOUT"

	// ErrorCancel — кооперативная отмена.
	ErrorCancel ErrorClass = "CANCEL"
)

// Retryable возвращает true, если ошибку этого класса имеет смысл повторять.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorRetryable, ErrorSink, ErrorTimeout:
		return true
	default:
		return false
	}
}
