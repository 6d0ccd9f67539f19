// Package delegate распределяет задачи TASK-шагов по внешним воркерам.
//
// Воркеры сообщают о себе heartbeat'ами: теги, ёмкость. Pool хранит
// текущий состав и число назначенных задач на каждого воркера.
//
// Выбор воркера задаётся набором Criteria:
//
//	criteria := delegate.All(delegate.MatchSelectors(), delegate.WithinCapacity()).
//	    And(delegate.LeastLoaded(), delegate.ByID())
//
// Dispatcher хранит задачи в TaskStore и отправляет их через Transport
// (в production это RabbitMQ, см. пакет mq). Результат воркера
// превращается в domain.Notification по correlation ID узла.
package delegate
