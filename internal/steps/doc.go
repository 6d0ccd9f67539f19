// Package steps содержит встроенные типы шагов плана.
//
// # Обзор
//
// Шаг — это то, что выполняет узел плана. Сам интерфейс Step знает
// только свой тип; что шаг умеет, определяется интерфейсами
// возможностей:
//
//	SyncExecutable       — результат возвращается вызовом (SYNC)
//	AsyncExecutable      — результат придёт по correlation ID (ASYNC)
//	TaskExecutable       — работа уходит делегату (TASK)
//	TaskChainExecutable  — последовательность задач делегату (TASK_CHAIN)
//	ChildrenExecutable   — дочерние узлы параллельно (CHILDREN)
//	ChildChainExecutable — дочерние узлы по одному (CHILD_CHAIN)
//
// Фасилитатор выбирает режим из Modes(step). Дополнительные хуки
// Abortable, UnreachableHandler и PlanInitializer координатор вызывает
// при прерывании узла, при недостижимости узла и при старте плана.
//
// # Registry
//
//	r := steps.DefaultRegistry(steps.Deps{Barriers: b, Restraints: rs})
//	step, err := r.Get("http")
//	if err != nil {
//	    // registry.ErrUnregisteredKey
//	}
//
// SyncRegistry содержит только шаги, которые может выполнить агент
// делегата без координатора: wait, http, transform.
//
// # Типы шагов
//
//   - wait               — пауза (SYNC)
//   - http               — HTTP запрос (SYNC)
//   - transform          — Go templates над outputs узлов (SYNC)
//   - fork               — параллельный запуск детей (CHILDREN)
//   - group              — последовательный запуск детей (CHILD_CHAIN)
//   - remote             — задача делегату (TASK)
//   - remote_chain       — цепочка задач делегату (TASK_CHAIN)
//   - barrier            — точка встречи параллельных веток (ASYNC)
//   - resource_restraint — занятие ёмкости общего ресурса (ASYNC)
//
// Параметры каждого шага описаны в комментарии к его типу.
//
// # Обработка ошибок
//
// Ошибка, возвращённая методом шага, означает сбой самого вызова
// (неверные параметры, отмена ctx). Неуспех работы шага, например
// HTTP 500, возвращается как StepResponse со статусом FAILED: его
// видят адвайзеры и могут назначить повтор.
package steps
