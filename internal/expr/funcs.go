package expr

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// baseFuncs — фиксированный набор функций, доступных выражениям.
// Все функции чистые: ни одна не мутирует контекст.
var baseFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// fromJSON — парсит JSON строку
	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	// default — возвращает значение по умолчанию, если аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	// coalesce — возвращает первое непустое значение
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	// split — разбивает строку на слайс
	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},

	// contains — проверяет, содержит ли строка подстроку
	"contains": strings.Contains,

	// hasPrefix — проверяет префикс строки
	"hasPrefix": strings.HasPrefix,

	// hasSuffix — проверяет суффикс строки
	"hasSuffix": strings.HasSuffix,

	// lower — приводит к нижнему регистру
	"lower": strings.ToLower,

	// upper — приводит к верхнему регистру
	"upper": strings.ToUpper,

	// trim — удаляет пробелы по краям
	"trim": strings.TrimSpace,

	// replace — заменяет подстроку
	"replace": strings.ReplaceAll,
}

// contextFuncs строит функции статусных запросов, замкнутые
// на снимок контекста. Read-only: работают с копией снимков.
func contextFuncs(ctx *Context) template.FuncMap {
	snapshot := func(step string) StepSnapshot {
		if ctx == nil || ctx.Steps == nil {
			return StepSnapshot{}
		}
		return ctx.Steps[step]
	}

	return template.FuncMap{
		// done — шаг завершён (успешно или нет)
		"done": func(step string) bool {
			return snapshot(step).Done
		},

		// ok — шаг завершён успешно
		"ok": func(step string) bool {
			return snapshot(step).OK
		},

		// failed — шаг завершён с ошибкой
		"failed": func(step string) bool {
			return snapshot(step).Failed
		},

		// ctx — значение из контекста выполнения по имени
		"ctx": func(name string) any {
			if ctx == nil || ctx.Context == nil {
				return nil
			}
			return ctx.Context[name]
		},
	}
}
