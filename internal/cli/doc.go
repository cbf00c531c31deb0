// Package cli реализует инструмент командной строки Kontur.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Kontur API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Kontur API. Инкапсулирует запросы, парсинг
// ответов (dataResponse, listResponse, errorResponse) и обработку
// ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	playbooks, err := client.ListPlaybooks()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: kontur playbook list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - playbook: list, publish, show, version
//   - exec:     list, start, show, cancel
//   - dlq:      list, show, replay, discard
//   - schedule: list, create, show, enable, disable, delete
//
// Каждая группа создаётся через фабричную функцию (NewPlaybookCmd и
// т.д.), принимающую clientFn и outputFn — замыкания для ленивого
// создания Client и Output после парсинга PersistentFlags.
package cli
