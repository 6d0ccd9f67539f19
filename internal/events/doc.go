// Package events доставляет события жизненного цикла узлов и планов
// внешним подписчикам.
//
// Coordinator вызывает Sink после каждого сохранённого перехода.
// Реализации: LogSink (slog), AMQPSink (topic-обменник relay.events),
// MQTTSink (paho), Recorder (кольцевой буфер в памяти) и Multi.
package events
