package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSpec — спецификация playbook не прошла валидацию.
var ErrInvalidSpec = errors.New("invalid playbook spec")

// ValidationError — ошибка валидации со списком всех найденных проблем.
type ValidationError struct {
	Issues []Issue
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalidSpec.Error()
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("invalid playbook spec: %s", strings.Join(parts, "; "))
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidSpec
}

// NewValidationError создаёт ошибку из списка проблем.
// Возвращает nil при пустом списке.
func NewValidationError(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}
