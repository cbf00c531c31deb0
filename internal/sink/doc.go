// Package sink — слой exactly-once записи результатов шагов.
//
// Каждая запись идентифицируется детерминированным ключом
// execution_id:step_id:loop-key-or-index:sink_id. Гарантия exactly-once
// держится на двух правилах: бизнес-запись и отметка в ledger образуют
// одну атомарную единицу (транзакция или условная вставка), а конфликт
// ledger при retry трактуется как успех без повторной записи.
//
// Типы приёмников:
//   - postgres — upsert в таблицу + вставка в ledger одной транзакцией
//   - redis    — SetNX по ключу записи; проигрыш гонки = уже сделано
//   - amqp     — persistent-сообщение с MessageId = ключ записи;
//     потребители дедуплицируют по нему
package sink
