// Package orchestrator управляет выполнением playbook'ов.
//
// Orchestrator отвечает за:
//   - Приём новых выполнений из RabbitMQ (event-driven) и polling fallback
//   - Машину состояний шага: call → gate → dispatch → done
//   - Парковку шагов с ложным gate и их перепроверку при записях в контекст
//   - Развёртывание циклов (parallel/sequential, ранний выход по until)
//   - Result pipeline: pick → as → collect → sinks → счётчики
//   - Маршрутизацию по рёбрам next и политику обработки падений
//   - Backpressure на диспетчеризацию элементов циклов
//
// Вся мутация состояния одного выполнения сериализована: у каждого
// активного выполнения свой мьютекс, событие обрабатывается целиком
// под ним. Разные выполнения идут полностью параллельно.
package orchestrator
