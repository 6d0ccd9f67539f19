// Package trigger запускает планы по cron-расписанию.
//
// Триггеры описываются в файле конфигурации (RELAY_CONFIG) и живут в
// памяти coordinator'а. Scheduler раз в тик проверяет, у каких
// триггеров наступило время запуска, и стартует выполнение через
// Starter.
//
// Ключ идемпотентности запуска: "{имя триггера}_{unix время срабатывания}".
// Повторный тик после рестарта процесса с тем же временем не создаст
// второе выполнение.
//
//	sched, err := trigger.New(trigger.Config{
//	    Triggers: file.Triggers,
//	    Starter:  coord,
//	    Logger:   logger,
//	})
//	go sched.Run(ctx)
//
// Несколько coordinator'ов на одной БД не поддерживаются, поэтому
// leader election здесь нет.
package trigger
