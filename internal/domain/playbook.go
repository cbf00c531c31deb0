package domain

import (
	"time"

	"github.com/google/uuid"
)

// Playbook — определение рабочего процесса (граф шагов).
//
// Playbook — это "программа" для Kontur: декларативное описание шагов,
// условий их запуска и маршрутизации результатов.
// Один playbook может иметь множество версий; каждое выполнение (Execution)
// привязано к конкретной версии.
type Playbook struct {
	// ID — уникальный идентификатор playbook.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя playbook (например, "sync-orders").
	Name string `json:"name"`

	// Version — номер версии. Автоинкремент при публикации новой версии.
	Version int `json:"version"`

	// Spec — спецификация графа шагов (содержимое JSONB поля spec).
	Spec PlaybookSpec `json:"spec"`

	// CreatedAt — время создания версии.
	CreatedAt time.Time `json:"created_at"`
}

// PlaybookSpec — спецификация графа шагов.
//
// Первый шаг списка Steps является входной точкой выполнения.
type PlaybookSpec struct {
	// Name — имя playbook (дублирует Playbook.Name для удобства).
	Name string `json:"name,omitempty"`

	// Description — описание назначения playbook.
	Description string `json:"description,omitempty"`

	// Workload — глобальные переменные, доступные во всех выражениях
	// как {{ .Workload.x }}. Фиксируются при старте выполнения.
	Workload map[string]any `json:"workload,omitempty"`

	// Defaults — настройки по умолчанию для всех шагов.
	Defaults *StepDefaults `json:"defaults,omitempty"`

	// OnFailure — политика при падении шага: "halt" (по умолчанию),
	// "continue" или "route" (переход по ребру on_error шага).
	OnFailure string `json:"on_failure,omitempty"`

	// Steps — шаги графа в порядке объявления.
	Steps []StepDef `json:"steps"`
}

// StepDefaults — настройки по умолчанию для шагов.
type StepDefaults struct {
	// Retry — политика повторных попыток.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// TimeoutSec — таймаут выполнения плагина в секундах.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// StepDef — определение шага в playbook.
type StepDef struct {
	// ID — уникальный идентификатор шага в рамках playbook.
	ID string `json:"id"`

	// Name — человекочитаемое имя шага.
	Name string `json:"name,omitempty"`

	// When — условие запуска (gate). Вычисляется при каждом вызове шага;
	// пока условие ложно, шаг остаётся "припаркованным" и перепроверяется
	// при изменениях контекста. Пустая строка означает true.
	When string `json:"when,omitempty"`

	// Loop — спецификация цикла. Если задана, шаг разворачивается
	// в отдельное сообщение очереди на каждый элемент коллекции.
	Loop *LoopSpec `json:"loop,omitempty"`

	// Tool — вызов плагина. Может отсутствовать для чисто маршрутных шагов.
	Tool *ToolSpec `json:"tool,omitempty"`

	// Result — обработка результата плагина (pick/as/collect).
	Result *ResultSpec `json:"result,omitempty"`

	// Sinks — приёмники результата (exactly-once запись через ledger).
	Sinks []SinkSpec `json:"sinks,omitempty"`

	// Next — упорядоченный список исходящих рёбер. Вычисляются по порядку,
	// срабатывает первое ребро с истинным (или отсутствующим) условием.
	Next []EdgeDef `json:"next,omitempty"`

	// OnError — ID шага для маршрутизации при падении
	// (используется политикой on_failure = "route").
	OnError string `json:"on_error,omitempty"`

	// Retry — политика повторных попыток для этого шага.
	// Переопределяет defaults.retry.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// TimeoutSec — таймаут для этого шага. Переопределяет defaults.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// LoopSpec — спецификация цикла шага.
type LoopSpec struct {
	// In — выражение, дающее коллекцию. Разрешается один раз при dispatch.
	In string `json:"in"`

	// As — имя элемента коллекции в контексте выражений ({{ .Loop.Element }}
	// и по имени в payload плагина).
	As string `json:"as"`

	// Mode — режим обхода: "parallel" (по умолчанию) или "sequential".
	Mode string `json:"mode,omitempty"`

	// Until — условие раннего выхода. Проверяется в sequential-режиме
	// после интеграции результата каждого элемента.
	Until string `json:"until,omitempty"`

	// SuccessThreshold — доля успешных элементов (0..1], при которой цикл
	// считается успешным. 0 означает строгий режим: успешны все элементы.
	SuccessThreshold float64 `json:"success_threshold,omitempty"`
}

// ToolSpec — вызов плагина.
type ToolSpec struct {
	// Kind — тип плагина: "http", "postgres", "transform", "delay", "workflow".
	// Должен быть зарегистрирован в реестре плагинов; неизвестные типы
	// отклоняются на этапе валидации.
	Kind string `json:"kind"`

	// Config — конфигурация плагина (зависит от типа).
	// Значения могут содержать шаблонные выражения.
	Config map[string]any `json:"config,omitempty"`

	// Args — аргументы вызова. Рендерятся вместе с Config при dispatch.
	Args map[string]any `json:"args,omitempty"`
}

// ResultSpec — обработка результата плагина.
type ResultSpec struct {
	// Pick — выражение-трансформация сырого результата.
	// Вычисляется с {{ .This }} = сырой результат.
	Pick string `json:"pick,omitempty"`

	// As — имя, под которым результат записывается в контекст выполнения.
	// Для циклов без collect действует last-write-wins.
	As string `json:"as,omitempty"`

	// Collect — аккумуляция результатов элементов цикла.
	Collect *CollectSpec `json:"collect,omitempty"`
}

// CollectSpec — аккумуляция результатов цикла.
type CollectSpec struct {
	// Target — имя целевой коллекции в контексте выполнения.
	Target string `json:"target"`

	// Kind — вид коллекции: "list" (по умолчанию) или "map".
	Kind string `json:"kind,omitempty"`

	// Key — выражение ключа для map-режима. Обязательно при kind = "map".
	Key string `json:"key,omitempty"`
}

// SinkSpec — приёмник результата шага.
type SinkSpec struct {
	// ID — идентификатор sink в рамках шага. Входит в ключ идемпотентности.
	ID string `json:"id"`

	// Kind — тип приёмника: "postgres", "redis", "amqp".
	Kind string `json:"kind"`

	// Config — конфигурация приёмника (таблица, ключ, exchange и т.д.).
	Config map[string]any `json:"config,omitempty"`

	// Mode — "await" (по умолчанию: шаг не done, пока sink не подтверждён)
	// или "forget" (fire-and-forget).
	Mode string `json:"mode,omitempty"`
}

// EdgeDef — исходящее ребро шага.
type EdgeDef struct {
	// Step — ID целевого шага.
	Step string `json:"step"`

	// When — условие перехода. Не более одного ребра без условия
	// ("else"-ребро); проверяется валидатором.
	When string `json:"when,omitempty"`
}

// RetryPolicy — политика повторных попыток.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// BaseDelayMs — базовая задержка экспоненциального backoff в миллисекундах.
	BaseDelayMs int `json:"base_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`
}

// Политики обработки падения шага.
const (
	FailureHalt     = "halt"
	FailureContinue = "continue"
	FailureRoute    = "route"
)

// Режимы цикла.
const (
	LoopParallel   = "parallel"
	LoopSequential = "sequential"
)

// Режимы sink.
const (
	SinkAwait  = "await"
	SinkForget = "forget"
)

// Виды collect-коллекций.
const (
	CollectKindList = "list"
	CollectKindMap  = "map"
)

// EntryStep возвращает входной шаг playbook (первый в списке).
func (s *PlaybookSpec) EntryStep() *StepDef {
	if len(s.Steps) == 0 {
		return nil
	}
	return &s.Steps[0]
}

// FindStep ищет определение шага по ID.
func (s *PlaybookSpec) FindStep(stepID string) *StepDef {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}

// RetryFor возвращает действующую политику retry для шага:
// собственную, либо из defaults, либо nil.
func (s *PlaybookSpec) RetryFor(step *StepDef) *RetryPolicy {
	if step.Retry != nil {
		return step.Retry
	}
	if s.Defaults != nil {
		return s.Defaults.Retry
	}
	return nil
}

// TimeoutFor возвращает действующий таймаут шага в секундах (0 — без таймаута).
func (s *PlaybookSpec) TimeoutFor(step *StepDef) int {
	if step.TimeoutSec > 0 {
		return step.TimeoutSec
	}
	if s.Defaults != nil {
		return s.Defaults.TimeoutSec
	}
	return 0
}

// FailurePolicy возвращает политику обработки падений шагов.
func (s *PlaybookSpec) FailurePolicy() string {
	switch s.OnFailure {
	case FailureContinue, FailureRoute:
		return s.OnFailure
	default:
		return FailureHalt
	}
}

// LoopMode возвращает режим цикла с учётом значения по умолчанию.
func (l *LoopSpec) LoopMode() string {
	if l.Mode == LoopSequential {
		return LoopSequential
	}
	return LoopParallel
}
