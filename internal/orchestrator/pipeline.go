package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/expr"
	"github.com/shaiso/Kontur/internal/graph"
	"github.com/shaiso/Kontur/internal/telemetry"
)

// Result pipeline: pick → as → collect → sinks → счётчики → поглощение.
//
// Атомарность относительно одного TaskResult достигается не транзакцией,
// а идемпотентностью стадий: bind — last-write-wins, collect — вставка
// с уникальным ключом, sink — ledger-guard, счётчики цикла — вставка
// в loop_integrations по индексу элемента, done-переход — условный
// UPDATE. Поглощение результата (processed-флаг) выполняется строго
// последним: падение на любой стадии оставляет результат
// необработанным, и polling реплеит его целиком без дублирования
// эффектов.

// integrateResult обрабатывает один TaskResult. Вызывается под state.mu.
func (o *Orchestrator) integrateResult(ctx context.Context, state *ExecState, res *domain.TaskResult) error {
	node := state.Graph.Node(res.StepID)
	if node == nil {
		// Результат для шага, которого нет в графе: поглощаем.
		_, err := o.results.Consume(ctx, res.MessageID)
		return err
	}

	st, err := o.loadStep(ctx, state, res.StepID)
	if err != nil {
		return err
	}
	if st.IsDone() {
		// Поздняя доставка для уже завершённого шага: done не откатывается.
		_, err := o.results.Consume(ctx, res.MessageID)
		return err
	}

	out := res.Output
	if res.OK {
		// 1. pick: трансформация сырого результата.
		out, err = o.shapeResult(state, node, res)
		if err != nil {
			return o.failAndConsume(ctx, state, node, res, fmt.Sprintf("pick: %v", err))
		}

		// 2. as: запись в контекст (last-write-wins между элементами цикла).
		if err := o.bindResult(ctx, state, node, out); err != nil {
			return err
		}

		// 3. collect: аккумуляция элементов цикла.
		if err := o.collectResult(ctx, state, node, res, out); err != nil {
			return err
		}

		// 4. sinks: exactly-once записи. Ошибка await-sink прерывает
		// интеграцию до поглощения: результат будет реплеен с теми же
		// ключами, ledger отсечёт уже выполненные записи.
		if err := o.dispatchSinks(ctx, state, node, res, out); err != nil {
			return err
		}
	}

	// 5. Счётчики и переходы. Выполняются до поглощения: падение между
	// этими записями и Consume оставляет результат необработанным, и
	// replay повторяет их без двойного счёта.
	if node.HasLoop() && res.LoopIndex != domain.NoLoopIndex {
		if err := o.integrateLoopResult(ctx, state, node, res); err != nil {
			return err
		}
	} else if res.OK {
		if err := o.finishStep(ctx, state, node, true, ""); err != nil {
			return err
		}
	} else if err := o.failStep(ctx, state, node, failureText(res)); err != nil {
		return err
	}

	return o.consume(ctx, res)
}

// consume помечает результат обработанным. Ровно один раз на message id:
// дубликаты доставки возвращают false и не двигают метрику.
func (o *Orchestrator) consume(ctx context.Context, res *domain.TaskResult) error {
	consumed, err := o.results.Consume(ctx, res.MessageID)
	if err != nil {
		return err
	}
	if consumed {
		telemetry.ResultsProcessed.Inc()
	}
	return nil
}

// shapeResult применяет pick-выражение к сырому результату.
func (o *Orchestrator) shapeResult(state *ExecState, node *graph.Node, res *domain.TaskResult) (any, error) {
	if node.Step.Result == nil || node.Step.Result.Pick == "" {
		return res.Output, nil
	}

	ectx := state.exprContext().WithThis(res.Output)
	if res.LoopIndex != domain.NoLoopIndex {
		ectx = ectx.WithLoop(&expr.LoopVars{
			Index: res.LoopIndex,
			Key:   res.LoopKey,
			Name:  node.Step.Loop.As,
		})
	}
	return expr.EvalValue(node.Step.Result.Pick, ectx)
}

// bindResult записывает результат в контекст под именем result.as.
func (o *Orchestrator) bindResult(ctx context.Context, state *ExecState, node *graph.Node, out any) error {
	if node.Step.Result == nil || node.Step.Result.As == "" {
		return nil
	}

	name := node.Step.Result.As
	state.setContextValue(name, out)
	if err := o.execStore.SetContextValue(ctx, state.ID(), name, out); err != nil {
		return fmt.Errorf("bind %s: %w", name, err)
	}
	return nil
}

// collectResult добавляет результат элемента цикла в накопитель.
//
// Ключ элемента: для map-режима — вычисленное key-выражение,
// для list-режима — индекс элемента. Повторная вставка того же
// ключа — no-op (PK в collect_items).
func (o *Orchestrator) collectResult(ctx context.Context, state *ExecState, node *graph.Node, res *domain.TaskResult, out any) error {
	collect := collectSpec(node)
	if collect == nil || res.LoopIndex == domain.NoLoopIndex {
		return nil
	}

	itemKey := strconv.Itoa(res.LoopIndex)
	if collect.Kind == domain.CollectKindMap {
		ectx := state.exprContext().WithThis(out).WithLoop(&expr.LoopVars{
			Index: res.LoopIndex,
			Key:   res.LoopKey,
			Name:  node.Step.Loop.As,
		})
		keyVal, err := expr.EvalValue(collect.Key, ectx)
		if err != nil {
			return fmt.Errorf("collect key: %w", err)
		}
		itemKey = fmt.Sprintf("%v", keyVal)
	}

	if err := o.stepStore.AppendCollectItem(ctx, state.ID(), node.ID, collect.Target, itemKey, res.LoopIndex, out); err != nil {
		return err
	}
	return nil
}

// dispatchSinks выполняет записи во все sink'и шага.
//
// await-режим (по умолчанию): шаг не завершается, пока запись
// не подтверждена; ошибка возвращается и результат реплеится.
// forget-режим: запись уходит в фоне, ошибки только логируются.
func (o *Orchestrator) dispatchSinks(ctx context.Context, state *ExecState, node *graph.Node, res *domain.TaskResult, out any) error {
	if len(node.Step.Sinks) == 0 || o.sinks == nil {
		return nil
	}

	for _, spec := range node.Step.Sinks {
		key := domain.SinkKey(state.ID(), node.ID, res.LoopIndex, res.LoopKey, spec.ID)

		if spec.Mode == domain.SinkForget {
			go func(spec domain.SinkSpec, key string) {
				if err := o.sinks.Write(context.Background(), key, state.ID(), node.ID, spec, out); err != nil {
					o.logger.Error("forget-sink write failed",
						"sink_key", key,
						"sink_id", spec.ID,
						"error", err,
					)
				}
			}(spec, key)
			continue
		}

		if err := o.sinks.Write(ctx, key, state.ID(), node.ID, spec, out); err != nil {
			return fmt.Errorf("%w: sink %s: %v", ErrSinkWrite, spec.ID, err)
		}
	}
	return nil
}

// failAndConsume применяет политику падения и поглощает результат.
// Используется для ошибок, которые replay не исправит (pick-выражение).
func (o *Orchestrator) failAndConsume(ctx context.Context, state *ExecState, node *graph.Node, res *domain.TaskResult, errText string) error {
	if node.HasLoop() && res.LoopIndex != domain.NoLoopIndex {
		failedRes := *res
		failedRes.OK = false
		failedRes.Error = errText
		if err := o.integrateLoopResult(ctx, state, node, &failedRes); err != nil {
			return err
		}
		return o.consume(ctx, res)
	}
	if err := o.failStep(ctx, state, node, errText); err != nil {
		return err
	}
	return o.consume(ctx, res)
}

// failureText формирует текст ошибки шага из результата воркера.
func failureText(res *domain.TaskResult) string {
	if res.ErrorClass != "" {
		return fmt.Sprintf("%s: %s", res.ErrorClass, res.Error)
	}
	return res.Error
}
