// Package graph содержит типизированное представление графа шагов playbook.
//
// Включает:
//   - graph.go    — построение WorkflowGraph из PlaybookSpec
//   - validate.go — валидация спецификации (уникальность ID, рёбра, kind'ы)
//
// Граф строится один раз на версию playbook и разделяется read-only
// между выполнениями. Валидация возвращает полный список проблем
// (локация + сообщение); любая проблема отклоняет submission целиком.
package graph
