package orchestrator

import (
	"time"

	"github.com/shaiso/Kontur/internal/domain"
	"github.com/shaiso/Kontur/internal/expr"
)

// Route вычисляет упорядоченный список рёбер против снимка контекста.
//
// Чистая функция: контекст не мутируется. Срабатывает первое ребро
// с истинным (или отсутствующим) условием. Ошибка или таймаут вычисления
// условия трактуются как false: маршрутизация детерминированно идёт
// дальше по списку. Возвращает ID целевого шага и признак совпадения.
func Route(edges []domain.EdgeDef, ectx *expr.Context, timeout time.Duration) (string, bool) {
	for _, edge := range edges {
		ok, err := expr.EvalBoolTimeout(edge.When, ectx, timeout)
		if err != nil || !ok {
			// Ошибка или таймаут условия равносильны false.
			continue
		}
		return edge.Step, true
	}
	return "", false
}
