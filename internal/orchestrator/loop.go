package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/expr"
	"github.com/shaiso/Kontur/internal/graph"
)

// Диспетчер циклов. Все функции вызываются под state.mu.

// dispatchLoop разрешает коллекцию цикла и ставит элементы в очередь.
//
// Коллекция разрешается один раз при dispatch; её размер фиксируется
// в loop_total. Предикат завершения цикла всегда вычисляется из
// долговечных счётчиков, никогда из списка в памяти.
func (o *Orchestrator) dispatchLoop(ctx context.Context, state *ExecState, node *graph.Node) error {
	ectx := state.exprContext()
	items, keys, err := expr.EvalCollection(node.Step.Loop.In, ectx)
	if err != nil {
		return o.failStep(ctx, state, node, fmt.Sprintf("loop collection: %v", err))
	}

	if err := o.stepStore.SetLoopTotal(ctx, state.ID(), node.ID, len(items)); err != nil {
		return err
	}
	st := state.step(node.ID)
	st.Loop = &domain.LoopProgress{Total: len(items)}

	// Пустая коллекция: цикл тривиально успешен.
	if len(items) == 0 {
		return o.finishLoop(ctx, state, node, st.Loop)
	}

	run := &loopRun{items: items, keys: keys, deferred: len(items)}
	state.loops[node.ID] = run

	if node.Step.Loop.LoopMode() == domain.LoopSequential {
		return o.enqueueTask(ctx, state, node, 0, run.key(0), items[0], priorityLoopItem)
	}

	return o.enqueueParallel(ctx, state, node, run, 0)
}

// enqueueParallel ставит элементы параллельного цикла начиная с from.
//
// При активном backpressure оставшиеся элементы откладываются
// и допоставляются после снятия паузы.
func (o *Orchestrator) enqueueParallel(ctx context.Context, state *ExecState, node *graph.Node, run *loopRun, from int) error {
	for i := from; i < len(run.items); i++ {
		if o.pressure.Paused() {
			run.deferred = i
			o.logger.Debug("loop dispatch paused by backpressure",
				"execution_id", state.ID(),
				"step_id", node.ID,
				"deferred_from", i,
			)
			return nil
		}
		if err := o.enqueueTask(ctx, state, node, i, run.key(i), run.items[i], priorityLoopItem); err != nil {
			return err
		}
	}
	run.deferred = len(run.items)
	return nil
}

// resumeDeferredLoops допоставляет элементы, отложенные backpressure.
// Вызывается под state.mu.
func (o *Orchestrator) resumeDeferredLoops(ctx context.Context, state *ExecState) error {
	for stepID, run := range state.loops {
		if run.deferred >= len(run.items) {
			continue
		}
		node := state.Graph.Node(stepID)
		if node == nil || node.Step.Loop.LoopMode() != domain.LoopParallel {
			continue
		}
		if err := o.enqueueParallel(ctx, state, node, run, run.deferred); err != nil {
			return err
		}
	}
	return nil
}

// integrateLoopResult обновляет счётчики цикла после интеграции
// результата одного элемента и продолжает или завершает цикл.
//
// Все стадии идемпотентны: счётчики защищены индексом элемента,
// early-exit и done-переход — условными записями, постановка следующего
// элемента — детерминированным message id. Повторный вызов для уже
// интегрированного результата ничего не меняет.
func (o *Orchestrator) integrateLoopResult(ctx context.Context, state *ExecState, node *graph.Node, res *domain.TaskResult) error {
	progress, err := o.stepStore.IncrementLoop(ctx, state.ID(), node.ID, res.LoopIndex, res.OK)
	if err != nil {
		return err
	}
	st := state.step(node.ID)
	st.Loop = progress

	// Ранний выход: until проверяется после интеграции каждого элемента.
	if until := node.Step.Loop.Until; until != "" && !progress.EarlyExit {
		ectx := state.exprContext().WithThis(res.Output)
		exit, err := expr.EvalBoolTimeout(until, ectx, o.evalTimeout)
		if err != nil {
			o.logger.Warn("until evaluation failed, treating as false",
				"execution_id", state.ID(),
				"step_id", node.ID,
				"error", err,
			)
		}
		if exit {
			if err := o.stepStore.MarkEarlyExit(ctx, state.ID(), node.ID); err != nil {
				return err
			}
			progress.EarlyExit = true
		}
	}

	if progress.Done() {
		return o.finishLoop(ctx, state, node, progress)
	}

	// Sequential: следующий элемент ставится только после интеграции
	// результата предыдущего. Индекс следующего элемента выводится из
	// долговечного счётчика, а не из памяти: после replay или дубликата
	// доставки постановка повторяет тот же message id, и очередь
	// дедуплицирует её.
	if node.Step.Loop.LoopMode() == domain.LoopSequential {
		run := state.loops[node.ID]
		if run == nil {
			// Рестарт оркестратора: список элементов восстанавливается
			// повторным разрешением выражения коллекции.
			var rerr error
			run, rerr = o.restoreLoopRun(state, node)
			if rerr != nil {
				return o.failStep(ctx, state, node, fmt.Sprintf("loop collection: %v", rerr))
			}
			state.loops[node.ID] = run
		}
		if i := progress.Completed; i < len(run.items) {
			return o.enqueueTask(ctx, state, node, i, run.key(i), run.items[i], priorityLoopItem)
		}
	}

	return nil
}

// restoreLoopRun повторно разрешает коллекцию цикла после рестарта.
func (o *Orchestrator) restoreLoopRun(state *ExecState, node *graph.Node) (*loopRun, error) {
	ectx := state.exprContext()
	items, keys, err := expr.EvalCollection(node.Step.Loop.In, ectx)
	if err != nil {
		return nil, err
	}
	return &loopRun{items: items, keys: keys, deferred: len(items)}, nil
}

// finishLoop завершает шаг-цикл: материализует collect-коллекцию
// и вычисляет итог по счётчикам.
func (o *Orchestrator) finishLoop(ctx context.Context, state *ExecState, node *graph.Node, progress *domain.LoopProgress) error {
	if err := o.materializeCollect(ctx, state, node); err != nil {
		return err
	}

	ok := progress.SucceededWith(node.Step.Loop.SuccessThreshold)
	if ok {
		return o.finishStep(ctx, state, node, true, "")
	}
	errText := fmt.Sprintf("loop: %d of %d items failed", progress.Failed, progress.Total)
	return o.failStep(ctx, state, node, errText)
}

// materializeCollect собирает накопленные collect-элементы
// в контекст выполнения.
func (o *Orchestrator) materializeCollect(ctx context.Context, state *ExecState, node *graph.Node) error {
	collect := collectSpec(node)
	if collect == nil {
		return nil
	}

	var value any
	var err error
	if collect.Kind == domain.CollectKindMap {
		value, err = o.stepStore.CollectMap(ctx, state.ID(), node.ID, collect.Target)
	} else {
		value, err = o.stepStore.CollectList(ctx, state.ID(), node.ID, collect.Target)
	}
	if err != nil {
		return err
	}

	state.setContextValue(collect.Target, value)
	return o.execStore.SetContextValue(ctx, state.ID(), collect.Target, value)
}

// collectSpec возвращает collect-спецификацию шага, если задана.
func collectSpec(node *graph.Node) *domain.CollectSpec {
	if node.Step.Result == nil {
		return nil
	}
	return node.Step.Result.Collect
}
