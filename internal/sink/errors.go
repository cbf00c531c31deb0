package sink

import "errors"

// Ошибки слоя sink.
var (
	// ErrUnknownKind — тип приёмника не зарегистрирован.
	ErrUnknownKind = errors.New("unknown sink kind")

	// ErrBadConfig — конфигурация приёмника неполна или некорректна.
	ErrBadConfig = errors.New("invalid sink config")
)
