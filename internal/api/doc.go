// Package api содержит HTTP API оператора.
//
// Структура:
//   - handler.go           — Handler с DI (хранилища, publisher, logger)
//   - routes.go            — регистрация маршрутов
//   - middleware.go        — middleware (request id, logging, recovery)
//   - response.go          — унифицированные JSON-ответы и обработка ошибок
//   - dto.go               — Data Transfer Objects (request/response)
//   - plan_handler.go      — обработчики для /plans
//   - execution_handler.go — обработчики для /executions
//   - interrupt_handler.go — interrupt'ы и внешние уведомления
//
// Команды (новое выполнение, interrupt, уведомление) API передаёт
// координатору через RabbitMQ, состояние читает из хранилища напрямую.
package api
