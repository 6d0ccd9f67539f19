// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с автоматическим переподключением
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений из очередей
//   - transport.go  — доставка задач воркерам (delegate.Transport)
//
// Типы сообщений:
//   - execution.pending   — новое выполнение плана ждёт coordinator'а
//   - execution.interrupt — interrupt оператора
//   - task.dispatch       — задача воркеру
//   - task.cancel         — отмена задачи
//   - task.result         — результат задачи
//   - task.progress       — промежуточный отчёт воркера
//   - delegate.heartbeat  — heartbeat воркера
//   - notification        — внешний результат по correlation ID
//   - event               — событие жизненного цикла узла или плана
//
// Exchanges:
//   - relay.executions    — выполнения и interrupts
//   - relay.delegates     — задачи, результаты, heartbeats
//   - relay.notifications — внешние результаты
//   - relay.events        — события (topic)
//   - relay.dlq           — отклонённые сообщения (topic, очередь dlq)
package mq
