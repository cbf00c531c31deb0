// Package plugin реализует реестр плагинов и стандартные плагины шагов.
//
// Плагин — исполнитель tool-спецификации шага: получает отрендеренную
// конфигурацию и аргументы, возвращает сырой результат для result
// pipeline. Ядро не знает внутренностей плагина, только контракт
// Execute; неизвестные типы отклоняются валидатором графа при
// сабмите, а не при диспетчеризации.
//
// Стандартные плагины: http, postgres, transform, delay, workflow.
//
// Ошибки плагинов несут класс (retryable/fatal/timeout/cancel),
// по которому воркер выбирает между retry с backoff и DLQ.
package plugin
