package plugin

import "context"

// TransformPlugin — плагин типа "transform".
//
// Выражения в аргументах уже отрендерены оркестратором при
// диспетчеризации, поэтому плагин просто возвращает их как output:
// шаг существует ради result pipeline (pick/as/collect/sinks)
// над вычисленным значением.
//
// Args:
//   - value (any): значение-результат; если не задано, результатом
//     становятся args целиком
type TransformPlugin struct{}

// Execute возвращает отрендеренные аргументы.
func (p *TransformPlugin) Execute(ctx context.Context, call Call) (*Result, error) {
	if val, ok := call.Args["value"]; ok {
		return &Result{Output: val}, nil
	}
	return &Result{Output: call.Args}, nil
}
