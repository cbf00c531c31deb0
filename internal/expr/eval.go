package expr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// DefaultTimeout — бюджет времени на вычисление одного выражения.
const DefaultTimeout = 2 * time.Second

// Render рендерит строковый шаблон с контекстом.
//
// Строки без шаблонных выражений возвращаются как есть.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(baseFuncs).Funcs(contextFuncs(ctx)).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}

	return buf.String(), nil
}

// EvalBool вычисляет булево условие (gate или условие ребра).
//
// Пустое условие истинно. Условие оборачивается в {{if ...}},
// поэтому принимает любые выражения, дающие bool.
func EvalBool(cond string, ctx *Context) (bool, error) {
	if cond == "" {
		return true, nil
	}

	expr := cond
	if strings.Contains(cond, "{{") {
		// Условие уже в шаблонном синтаксисе: {{ ok "a" }} и т.п.
		expr = strings.TrimSpace(cond)
		expr = strings.TrimPrefix(expr, "{{")
		expr = strings.TrimSuffix(expr, "}}")
	}

	tmpl := fmt.Sprintf(`{{if %s}}true{{else}}false{{end}}`, expr)
	result, err := Render(tmpl, ctx)
	if err != nil {
		return false, err
	}
	return result == "true", nil
}

// EvalBoolTimeout вычисляет условие с ограничением по времени.
//
// Превышение бюджета возвращает ErrEvalTimeout — вычисление никогда
// не подвешивает вызывающего; отставшая горутина завершится сама,
// её результат отбрасывается. Отставшая горутина продолжает читать
// ctx, поэтому вызывающий не должен мутировать переданный контекст
// после таймаута: карты в ctx — снапшоты, не живое состояние.
func EvalBoolTimeout(cond string, ctx *Context, timeout time.Duration) (bool, error) {
	if cond == "" {
		return true, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	type outcome struct {
		ok  bool
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		ok, err := EvalBool(cond, ctx)
		ch <- outcome{ok: ok, err: err}
	}()

	select {
	case out := <-ch:
		return out.ok, out.err
	case <-time.After(timeout):
		return false, ErrEvalTimeout
	}
}

// EvalValue вычисляет выражение, дающее значение (pick, loop.in, collect.key).
//
// Результат рендеринга парсится как JSON, если это возможно;
// иначе возвращается строка. Выражения вида {{ json .This.items }}
// дают структурированные значения без потерь.
func EvalValue(exprStr string, ctx *Context) (any, error) {
	if exprStr == "" {
		return nil, nil
	}

	rendered, err := Render(exprStr, ctx)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(rendered)
	if trimmed == "" {
		return "", nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	return rendered, nil
}

// EvalCollection вычисляет выражение коллекции цикла в упорядоченный список.
//
// Принимает списки и map'ы (map разворачивается в список значений
// с ключами в LoopVars.Key через EvalCollectionKeys).
func EvalCollection(exprStr string, ctx *Context) ([]any, []string, error) {
	value, err := EvalValue(exprStr, ctx)
	if err != nil {
		return nil, nil, err
	}

	switch v := value.(type) {
	case nil:
		return nil, nil, nil
	case []any:
		return v, nil, nil
	case map[string]any:
		// Детерминированный порядок: сортировка по ключу
		keys := sortedKeys(v)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = v[k]
		}
		return items, keys, nil
	default:
		return nil, nil, fmt.Errorf("%w: expected list or map, got %T", ErrNotCollection, value)
	}
}

// RenderValue рендерит произвольное значение.
// Рекурсивно обрабатывает map и slice.
func RenderValue(value any, ctx *Context) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			rendered, err := RenderValue(val, ctx)
			if err != nil {
				return nil, err
			}
			result[i] = rendered
		}
		return result, nil

	case map[string]string:
		result := make(map[string]string, len(v))
		for key, val := range v {
			rendered, err := Render(val, ctx)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		}
		return result, nil

	default:
		// Скалярные типы (int, float, bool) возвращаем как есть
		return value, nil
	}
}

// RenderConfig рендерит конфигурацию плагина.
func RenderConfig(config map[string]any, ctx *Context) (map[string]any, error) {
	if config == nil {
		return make(map[string]any), nil
	}

	rendered, err := RenderValue(config, ctx)
	if err != nil {
		return nil, err
	}

	result, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrRender, rendered)
	}
	return result, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
