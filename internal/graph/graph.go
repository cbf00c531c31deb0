package graph

import (
	"github.com/shaiso/Kontur/internal/domain"
)

// Node — узел графа workflow.
type Node struct {
	// Step — определение шага из PlaybookSpec.
	Step *domain.StepDef

	// ID — идентификатор узла (совпадает со Step.ID).
	ID string

	// Edges — упорядоченные исходящие рёбра. Порядок объявления
	// определяет порядок вычисления условий при маршрутизации.
	Edges []domain.EdgeDef

	// Callers — узлы, у которых есть ребро в этот узел.
	// Используется только для диагностики достижимости.
	Callers []string
}

// WorkflowGraph — неизменяемое представление графа шагов playbook.
//
// Строится один раз при приёме playbook и разделяется read-only
// между всеми выполнениями этой версии.
type WorkflowGraph struct {
	// Nodes — все узлы графа (stepID → Node).
	Nodes map[string]*Node

	// Entry — ID входного шага (первый шаг спецификации).
	Entry string
}

// Build строит WorkflowGraph из провалидированной спецификации.
//
// Спецификация должна быть предварительно проверена через Validate:
// Build не повторяет проверки и полагается на их результат.
func Build(spec *domain.PlaybookSpec) *WorkflowGraph {
	g := &WorkflowGraph{
		Nodes: make(map[string]*Node, len(spec.Steps)),
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		g.Nodes[step.ID] = &Node{
			Step:  step,
			ID:    step.ID,
			Edges: step.Next,
		}
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		for _, edge := range step.Next {
			if target, ok := g.Nodes[edge.Step]; ok {
				target.Callers = append(target.Callers, step.ID)
			}
		}
	}

	if entry := spec.EntryStep(); entry != nil {
		g.Entry = entry.ID
	}

	return g
}

// Node возвращает узел по ID шага.
func (g *WorkflowGraph) Node(stepID string) *Node {
	return g.Nodes[stepID]
}

// Size возвращает количество узлов графа.
func (g *WorkflowGraph) Size() int {
	return len(g.Nodes)
}

// HasLoop возвращает true, если узел является циклом.
func (n *Node) HasLoop() bool {
	return n.Step.Loop != nil
}

// HasTool возвращает true, если узел вызывает плагин.
// Узлы без tool — чисто маршрутные: они завершаются сразу после вызова.
func (n *Node) HasTool() bool {
	return n.Step.Tool != nil
}
