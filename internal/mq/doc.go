// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// События MQ в Kontur — будильники, а не источник правды: долговечная
// очередь задач живёт в Postgres, а сообщения лишь будят потребителя,
// чтобы тот сходил в БД. Потерянное событие компенсируется polling
// fallback, дубликат — идемпотентностью обработки.
//
// Структура:
//   - connection.go — управление соединением (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление событий
//
// Типы событий:
//   - execution.submitted — создано новое выполнение
//   - execution.cancelled — запрошена отмена выполнения
//   - task.ready          — в очереди задач появилась работа
//   - task.result         — воркер сохранил результат задачи
package mq
