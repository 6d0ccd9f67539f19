// Package telemetry собирает логирование, метрики и трассировку Relay.
//
// Логи пишутся через slog с полями ambiance узла. Метрики регистрируются
// в глобальном реестре Prometheus и отдаются на /metrics каждым процессом.
// Вызовы шагов оборачиваются в спаны OpenTelemetry, если трассировка
// включена.
package telemetry
