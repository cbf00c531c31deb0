// Package worker реализует пул исполнителей задач.
//
// Воркер — stateless компонент между очередью и плагинами:
//   - получает wake-up события tasks.ready из RabbitMQ и забирает
//     сообщения из очереди claim'ом с lease (polling как fallback)
//   - выполняет плагин с таймаутом шага и кооперативной отменой
//   - продлевает lease heartbeat'ами, пока работа идёт
//   - при временной ошибке возвращает сообщение с backoff, при
//     постоянной или исчерпанных попытках — уводит в DLQ
//   - сохраняет результат и публикует событие task.result
//
// Конкурентность ограничена глобальным лимитом и per-kind лимитами;
// claim по видам чередуется round-robin, чтобы медленный вид плагина
// не вытеснял остальные. Локальный TTL-кэш отсекает повторное
// выполнение передоставленных сообщений; корректность на нём
// не держится — гарантию даёт sink ledger и processed-флаг результата.
//
// Воркеры масштабируются горизонтально: несколько экземпляров
// потребляют одну очередь.
package worker
