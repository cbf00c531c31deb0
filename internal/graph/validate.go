package graph

import (
	"fmt"

	"github.com/shaiso/Kontur/internal/domain"
)

// Issue — одна проблема валидации: локация + сообщение.
type Issue struct {
	// Location — место проблемы: "steps[i].field" или ID шага.
	Location string `json:"location"`

	// Message — описание проблемы.
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Location + ": " + i.Message
}

// Registries — известные валидатору виды плагинов и sink'ов.
//
// Неизвестные kind'ы отклоняются на этапе валидации,
// а не при диспетчеризации.
type Registries struct {
	PluginKinds map[string]bool
	SinkKinds   map[string]bool
}

// Validate выполняет полную валидацию спецификации playbook.
//
// Возвращает список всех найденных проблем; непустой список
// отклоняет submission целиком — частичные графы не строятся.
//
// Проверяется:
//   - наличие шагов и уникальность их ID
//   - не более одного ребра next без условия ("else"-ребро)
//   - ссылки next/on_error на существующие шаги
//   - известность tool.kind и sink.kind в реестрах
//   - корректность loop-спецификации (in, as, mode, threshold)
//   - key обязателен для map-режима collect, collect только при loop
func Validate(spec *domain.PlaybookSpec, regs Registries) []Issue {
	var issues []Issue

	if spec == nil || len(spec.Steps) == 0 {
		return []Issue{{Location: "steps", Message: "playbook has no steps"}}
	}

	switch spec.OnFailure {
	case "", domain.FailureHalt, domain.FailureContinue, domain.FailureRoute:
	default:
		issues = append(issues, Issue{
			Location: "on_failure",
			Message:  fmt.Sprintf("unknown failure policy: %s", spec.OnFailure),
		})
	}

	stepIDs := make(map[string]bool, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]
		loc := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			issues = append(issues, Issue{Location: loc + ".id", Message: "step has empty ID"})
			continue
		}
		if stepIDs[step.ID] {
			issues = append(issues, Issue{
				Location: loc + ".id",
				Message:  fmt.Sprintf("duplicate step ID: %s", step.ID),
			})
		}
		stepIDs[step.ID] = true
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		if step.ID == "" {
			continue
		}
		issues = append(issues, validateStep(step, stepIDs, regs)...)
	}

	return issues
}

// validateStep валидирует один шаг. ID шага уже проверен на уникальность.
func validateStep(step *domain.StepDef, stepIDs map[string]bool, regs Registries) []Issue {
	var issues []Issue
	loc := "step " + step.ID

	if step.Tool != nil {
		issues = append(issues, validateTool(step, regs)...)
	}

	if step.Loop != nil {
		issues = append(issues, validateLoop(step)...)
	}

	if step.Result != nil && step.Result.Collect != nil {
		c := step.Result.Collect
		if step.Loop == nil {
			issues = append(issues, Issue{
				Location: loc + ".result.collect",
				Message:  "collect requires a loop spec",
			})
		}
		if c.Target == "" {
			issues = append(issues, Issue{
				Location: loc + ".result.collect.target",
				Message:  "collect target is empty",
			})
		}
		switch c.Kind {
		case "", "list":
		case "map":
			if c.Key == "" {
				issues = append(issues, Issue{
					Location: loc + ".result.collect.key",
					Message:  "map-mode collect requires a key expression",
				})
			}
		default:
			issues = append(issues, Issue{
				Location: loc + ".result.collect.kind",
				Message:  fmt.Sprintf("unknown collect kind: %s", c.Kind),
			})
		}
	}

	for _, sink := range step.Sinks {
		issues = append(issues, validateSink(step, &sink, regs)...)
	}

	issues = append(issues, validateEdges(step, stepIDs)...)

	if step.OnError != "" && !stepIDs[step.OnError] {
		issues = append(issues, Issue{
			Location: loc + ".on_error",
			Message:  fmt.Sprintf("references unknown step: %s", step.OnError),
		})
	}

	return issues
}

func validateTool(step *domain.StepDef, regs Registries) []Issue {
	loc := "step " + step.ID + ".tool"

	if step.Tool.Kind == "" {
		return []Issue{{Location: loc + ".kind", Message: "tool kind is empty"}}
	}
	if regs.PluginKinds != nil && !regs.PluginKinds[step.Tool.Kind] {
		return []Issue{{
			Location: loc + ".kind",
			Message:  fmt.Sprintf("unknown plugin kind: %s", step.Tool.Kind),
		}}
	}
	return nil
}

func validateLoop(step *domain.StepDef) []Issue {
	var issues []Issue
	loc := "step " + step.ID + ".loop"
	l := step.Loop

	if l.In == "" {
		issues = append(issues, Issue{Location: loc + ".in", Message: "loop collection expression is empty"})
	}
	if l.As == "" {
		issues = append(issues, Issue{Location: loc + ".as", Message: "loop element name is empty"})
	}
	switch l.Mode {
	case "", domain.LoopParallel, domain.LoopSequential:
	default:
		issues = append(issues, Issue{
			Location: loc + ".mode",
			Message:  fmt.Sprintf("unknown loop mode: %s", l.Mode),
		})
	}
	// Ноль — значение по умолчанию: строгий режим, все элементы
	// должны быть успешны.
	if l.SuccessThreshold < 0 || l.SuccessThreshold > 1 {
		issues = append(issues, Issue{
			Location: loc + ".success_threshold",
			Message:  "success_threshold must be in [0, 1] (0 means all items must succeed)",
		})
	}
	return issues
}

func validateSink(step *domain.StepDef, sink *domain.SinkSpec, regs Registries) []Issue {
	var issues []Issue
	loc := "step " + step.ID + ".sinks"

	if sink.ID == "" {
		issues = append(issues, Issue{Location: loc, Message: "sink has empty ID"})
	}
	if sink.Kind == "" {
		issues = append(issues, Issue{Location: loc, Message: "sink kind is empty"})
	} else if regs.SinkKinds != nil && !regs.SinkKinds[sink.Kind] {
		issues = append(issues, Issue{
			Location: loc,
			Message:  fmt.Sprintf("unknown sink kind: %s", sink.Kind),
		})
	}
	switch sink.Mode {
	case "", domain.SinkAwait, domain.SinkForget:
	default:
		issues = append(issues, Issue{
			Location: loc,
			Message:  fmt.Sprintf("unknown sink mode: %s", sink.Mode),
		})
	}
	return issues
}

// validateEdges проверяет рёбра next: ссылки на существующие шаги
// и не более одного ребра без условия.
func validateEdges(step *domain.StepDef, stepIDs map[string]bool) []Issue {
	var issues []Issue
	loc := "step " + step.ID + ".next"

	elseSeen := false
	for j, edge := range step.Next {
		if edge.Step == "" {
			issues = append(issues, Issue{
				Location: fmt.Sprintf("%s[%d]", loc, j),
				Message:  "edge has empty target",
			})
			continue
		}
		if !stepIDs[edge.Step] {
			issues = append(issues, Issue{
				Location: fmt.Sprintf("%s[%d]", loc, j),
				Message:  fmt.Sprintf("edge targets unknown step: %s", edge.Step),
			})
		}
		if edge.When == "" {
			if elseSeen {
				issues = append(issues, Issue{
					Location: fmt.Sprintf("%s[%d]", loc, j),
					Message:  "more than one edge without a condition",
				})
			}
			elseSeen = true
		}
	}
	return issues
}
