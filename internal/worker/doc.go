// Package worker — агент делегата: процесс, выполняющий TASK-задачи
// координатора.
//
// # Обзор
//
// Воркер слушает свою очередь delegate.<id> в RabbitMQ и получает
// из неё два вида сообщений:
//
//   - task.dispatch — задача для выполнения (domain.DelegateTask)
//   - task.cancel — отмена выполняющейся задачи
//
// Задача выполняется синхронным шагом из steps.SyncRegistry
// (wait, http, transform). Результат уходит обратно координатору
// сообщением task.result, начало работы отмечается task.progress.
//
// Раз в HeartbeatInterval воркер публикует heartbeat с тегами,
// ёмкостью и числом выполняющихся задач. По heartbeat'ам координатор
// строит пул воркеров и выбирает, кому отдать задачу.
//
// # Ёмкость
//
// Одновременно выполняется не больше Capacity задач. Лишняя задача
// ждёт свободного места прямо в обработчике сообщения, поэтому
// RabbitMQ не доставит больше prefetch сообщений сверх этого.
//
//	w := worker.New(worker.Config{
//	    ID:       "worker-1",
//	    Tags:     []string{"linux", "gpu"},
//	    Capacity: 4,
//	    Reporter: publisher,
//	    Conn:     mqConn,
//	    Logger:   logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Остановка
//
// Stop отменяет выполняющиеся задачи и не публикует по ним результат:
// heartbeat'ы прекращаются, координатор считает воркер потерянным
// и отправляет задачи повторно.
package worker
