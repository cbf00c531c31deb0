package plugin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Call — один вызов плагина.
//
// Config и Args отрендерены оркестратором при диспетчеризации:
// выражения уже подставлены, плагин видит только значения.
type Call struct {
	// ExecutionID, StepID — координаты вызова (для логов плагина).
	ExecutionID uuid.UUID
	StepID      string

	// Config — конфигурация плагина из tool-спецификации шага.
	Config map[string]any

	// Args — аргументы вызова.
	Args map[string]any
}

// Result — результат выполнения плагина.
type Result struct {
	// Output — сырой результат для result pipeline.
	Output any

	// Logs — строки лога выполнения.
	Logs []string
}

// Plugin — один тип плагина.
//
// Execute может вернуть и Result, и error одновременно: результат
// с частичным output (например, тело HTTP-ответа при статусе 500)
// сохраняется в отчёте даже при ошибке. ctx несёт таймаут шага
// и кооперативную отмену; блокирующие операции обязаны его уважать.
type Plugin interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Registry — реестр плагинов по типу.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry создаёт пустой реестр.
//
// Стандартные плагины регистрирует вызывающая сторона: часть из них
// требует зависимостей (pool БД, launcher под-процессов).
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register добавляет плагин под типом kind.
func (r *Registry) Register(kind string, p Plugin) {
	r.plugins[kind] = p
}

// Get возвращает плагин для типа kind.
func (r *Registry) Get(kind string) (Plugin, error) {
	p, ok := r.plugins[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return p, nil
}

// Kinds возвращает множество зарегистрированных типов
// (для валидации спецификаций).
func (r *Registry) Kinds() map[string]bool {
	kinds := make(map[string]bool, len(r.plugins))
	for kind := range r.plugins {
		kinds[kind] = true
	}
	return kinds
}
