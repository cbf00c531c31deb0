package orchestrator

import (
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/expr"
	"github.com/shaiso/Kontur/internal/graph"
)

// ExecState — состояние одного выполнения в памяти.
//
// Создаётся при начале обработки выполнения и удаляется при его
// финализации. Кэширует БД-состояние (execution, step states) и держит
// эфемерные данные диспетчеризации циклов. Всё долговечное живёт в БД:
// ExecState полностью восстановим после рестарта.
//
// Мьютекс state — single-writer дисциплина: любая мутация контекста
// и состояний шагов этого выполнения идёт под ним.
type ExecState struct {
	// Execution — данные выполнения из БД.
	Execution *domain.Execution

	// Playbook — версия playbook со спецификацией.
	Playbook *domain.Playbook

	// Graph — граф шагов, построенный из спецификации.
	Graph *graph.WorkflowGraph

	// steps — кэш состояний шагов (stepID → StepState).
	steps map[string]*domain.StepState

	// loops — эфемерное состояние диспетчеризации циклов.
	// Коллекция разрешается при dispatch; после рестарта
	// восстанавливается повторным разрешением выражения.
	loops map[string]*loopRun

	// unhandledFailure — упал шаг, не перехваченный on_error-ребром.
	unhandledFailure bool

	mu sync.Mutex
}

// loopRun — список элементов цикла, зафиксированный при dispatch.
// Прогресс цикла живёт в долговечных счётчиках шага, не здесь.
type loopRun struct {
	items []any
	keys  []string

	// deferred — индекс первого элемента, отложенного backpressure
	// (parallel-режим). len(items) — ничего не отложено.
	deferred int
}

// key возвращает ключ элемента цикла: ключ map-коллекции или "".
func (l *loopRun) key(index int) string {
	if l.keys != nil && index < len(l.keys) {
		return l.keys[index]
	}
	return ""
}

// NewExecState создаёт состояние выполнения.
func NewExecState(exec *domain.Execution, pb *domain.Playbook) *ExecState {
	return &ExecState{
		Execution: exec,
		Playbook:  pb,
		Graph:     graph.Build(&pb.Spec),
		steps:     make(map[string]*domain.StepState),
		loops:     make(map[string]*loopRun),
	}
}

// ID возвращает ID выполнения.
func (s *ExecState) ID() uuid.UUID {
	return s.Execution.ID
}

// step возвращает кэшированное состояние шага (nil, если не загружено).
// Вызывается под s.mu.
func (s *ExecState) step(stepID string) *domain.StepState {
	return s.steps[stepID]
}

// setStep кладёт состояние шага в кэш. Вызывается под s.mu.
func (s *ExecState) setStep(st *domain.StepState) {
	s.steps[st.StepID] = st
}

// parkedSteps возвращает ID всех припаркованных шагов.
// Вызывается под s.mu.
func (s *ExecState) parkedSteps() []string {
	var parked []string
	for id, st := range s.steps {
		if st.Status == domain.StepParked {
			parked = append(parked, id)
		}
	}
	return parked
}

// hasRunningSteps возвращает true, если есть шаги в статусе RUNNING.
// Вызывается под s.mu.
func (s *ExecState) hasRunningSteps() bool {
	for _, st := range s.steps {
		if st.Status == domain.StepRunning {
			return true
		}
	}
	return false
}

// exprContext строит контекст выражений из текущего состояния.
// Вызывается под s.mu.
//
// Карта контекста копируется: вычисление с таймаутом может пережить
// возврат EvalBoolTimeout, и отставшая горутина не должна делить живую
// карту с последующими записями setContextValue. Значения после записи
// в контекст не мутируются, копии верхнего уровня достаточно.
func (s *ExecState) exprContext() *expr.Context {
	ectx := expr.NewContext(s.Playbook.Spec.Workload, s.Execution.Input, maps.Clone(s.Execution.Context))
	for id, st := range s.steps {
		done := st.Status == domain.StepDone
		ok := done && st.OK != nil && *st.OK
		ectx.Steps[id] = expr.StepSnapshot{
			Done:   done,
			OK:     ok,
			Failed: done && !ok,
			Error:  st.Error,
		}
	}
	return ectx
}

// setContextValue записывает значение в контекст выполнения (в памяти).
// Долговечная запись выполняется вызывающим через ExecutionStore.
// Вызывается под s.mu.
func (s *ExecState) setContextValue(name string, value any) {
	if s.Execution.Context == nil {
		s.Execution.Context = make(map[string]any)
	}
	s.Execution.Context[name] = value
}

// RestoreFromStates заполняет кэш состояниями шагов из БД (после рестарта).
func (s *ExecState) RestoreFromStates(states []domain.StepState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy := s.Playbook.Spec.FailurePolicy()
	for i := range states {
		st := states[i]
		s.steps[st.StepID] = &st
		if st.Status != domain.StepDone || st.OK == nil || *st.OK {
			continue
		}
		// Падение, перехваченное on_error-ребром, не валит выполнение.
		node := s.Graph.Node(st.StepID)
		if policy != domain.FailureRoute || node == nil || node.Step.OnError == "" {
			s.unhandledFailure = true
		}
	}
}

// Stats возвращает сводку по шагам выполнения.
func (s *ExecState) Stats() ExecStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ExecStats{TotalSteps: s.Graph.Size()}
	for _, st := range s.steps {
		switch st.Status {
		case domain.StepDone:
			stats.DoneSteps++
			if st.OK != nil && !*st.OK {
				stats.FailedSteps++
			}
		case domain.StepRunning:
			stats.RunningSteps++
		case domain.StepParked:
			stats.ParkedSteps++
		}
	}
	return stats
}

// ExecStats — сводка состояния выполнения.
type ExecStats struct {
	TotalSteps   int
	DoneSteps    int
	RunningSteps int
	ParkedSteps  int
	FailedSteps  int
}
