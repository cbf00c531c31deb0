// Package expr — узкий sandboxed-вычислитель выражений gate/edge/pick.
//
// Выражения — Go templates ({{ ok "step" }}, {{ .Context.total }})
// с фиксированным набором read-only функций: статусные запросы шагов,
// чтение контекста, строковые и JSON-хелперы. Произвольное выполнение
// кода и мутация контекста из выражения невозможны.
//
// Все вычисления ограничены бюджетом времени; превышение возвращает
// ErrEvalTimeout, а не подвешивает вызывающего.
package expr
