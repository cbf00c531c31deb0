package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Kontur/internal/domain"
)

// Ошибки пакета plugin.
var (
	// ErrUnknownKind — тип плагина не зарегистрирован.
	ErrUnknownKind = errors.New("unknown plugin kind")

	// ErrBadConfig — конфигурация плагина неполна или некорректна.
	ErrBadConfig = errors.New("invalid plugin config")
)

// Error — ошибка выполнения плагина с явным классом.
//
// Класс определяет политику воркера: retryable повторяется с backoff,
// fatal уходит в DLQ без повторов.
type Error struct {
	Class domain.ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable оборачивает err как временную ошибку.
func Retryable(err error) error {
	return &Error{Class: domain.ErrorRetryable, Err: err}
}

// Fatal оборачивает err как постоянную ошибку.
func Fatal(err error) error {
	return &Error{Class: domain.ErrorFatal, Err: err}
}

// ClassOf возвращает класс ошибки выполнения.
//
// Явно размеченные ошибки сохраняют свой класс. Таймаут контекста —
// TIMEOUT, отмена — CANCEL. Всё неразмеченное считается retryable:
// лучше лишний повтор, чем потерянная работа.
func ClassOf(err error) domain.ErrorClass {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorTimeout
	}
	if errors.Is(err, context.Canceled) {
		return domain.ErrorCancel
	}
	if errors.Is(err, ErrBadConfig) {
		return domain.ErrorFatal
	}
	return domain.ErrorRetryable
}
