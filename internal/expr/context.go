package expr

// Context — данные, доступные выражениям gate/edge/pick.
//
// Выражения — это Go templates с фиксированным набором read-only
// функций доступа; мутация контекста изнутри выражения невозможна.
//
// Доступ из шаблонов:
//   - {{ .Workload.x }}          — глобальные переменные playbook
//   - {{ .Input.x }}             — входные данные выполнения
//   - {{ .Context.x }}           — значения, записанные result pipeline
//   - {{ .This }}                — сырой результат плагина (только в pick)
//   - {{ .Loop.Element }}        — текущий элемент цикла
//   - {{ done "step" }}          — статусные запросы (см. funcs.go)
type Context struct {
	// Workload — глобальные переменные playbook.
	Workload map[string]any `json:"workload,omitempty"`

	// Input — входные данные выполнения (неизменяемые).
	Input map[string]any `json:"input,omitempty"`

	// Context — мутабельный контекст выполнения (as/collect значения).
	Context map[string]any `json:"context,omitempty"`

	// Steps — снимки статусов шагов для done/ok/failed запросов.
	Steps map[string]StepSnapshot `json:"steps,omitempty"`

	// This — сырой результат плагина. Заполняется только при pick.
	This any `json:"this,omitempty"`

	// Loop — переменные текущего элемента цикла.
	Loop *LoopVars `json:"loop,omitempty"`
}

// StepSnapshot — снимок статуса шага для выражений.
type StepSnapshot struct {
	// Done — шаг завершён.
	Done bool `json:"done"`

	// OK — шаг завершён успешно.
	OK bool `json:"ok"`

	// Failed — шаг завершён с ошибкой.
	Failed bool `json:"failed"`

	// Error — текст ошибки шага.
	Error string `json:"error,omitempty"`
}

// LoopVars — переменные элемента цикла.
type LoopVars struct {
	// Element — значение текущего элемента коллекции.
	Element any `json:"element"`

	// Index — индекс элемента (с нуля).
	Index int `json:"index"`

	// Key — ключ элемента для map-collect.
	Key string `json:"key,omitempty"`

	// Name — имя элемента из loop.as.
	Name string `json:"name,omitempty"`
}

// NewContext создаёт контекст выражений.
func NewContext(workload, input, execCtx map[string]any) *Context {
	if workload == nil {
		workload = make(map[string]any)
	}
	if input == nil {
		input = make(map[string]any)
	}
	if execCtx == nil {
		execCtx = make(map[string]any)
	}
	return &Context{
		Workload: workload,
		Input:    input,
		Context:  execCtx,
		Steps:    make(map[string]StepSnapshot),
	}
}

// WithThis возвращает копию контекста с установленным .This.
// Используется для pick-выражений; исходный контекст не меняется.
func (c *Context) WithThis(raw any) *Context {
	cp := *c
	cp.This = raw
	return &cp
}

// WithLoop возвращает копию контекста с переменными элемента цикла.
func (c *Context) WithLoop(loop *LoopVars) *Context {
	cp := *c
	cp.Loop = loop
	return &cp
}
