package expr

import "errors"

// Ошибки вычисления выражений.
var (
	// ErrParse — ошибка парсинга шаблона.
	ErrParse = errors.New("expression parse failed")

	// ErrRender — ошибка вычисления шаблона.
	ErrRender = errors.New("expression render failed")

	// ErrEvalTimeout — превышен бюджет времени вычисления.
	// Политика обработки (treat-as-false или fail-step) принадлежит роутеру.
	ErrEvalTimeout = errors.New("expression evaluation timeout")

	// ErrNotCollection — выражение цикла дало не список и не map.
	ErrNotCollection = errors.New("loop expression did not yield a collection")
)
