// Package coordinator управляет выполнением планов.
//
// Coordinator отвечает за:
//   - Запуск выполнений и их восстановление после рестарта
//   - Активацию узлов: skip_condition, таймауты, фасилитация, вызов шага
//   - Ожидание внешних результатов по correlation ID (ASYNC, TASK, барьеры, ресурсы)
//   - Fan-out и fan-in дочерних веток (CHILDREN, CHILD_CHAIN)
//   - Применение советов адвайзеров: next, retry, пауза до решения оператора
//   - Interrupt'ы оператора и таймаутов
//   - Финализацию выполнения плана
//
// Состояние выполнения меняется только из его собственного цикла
// событий, поэтому выполнения плана не нуждаются в блокировках.
package coordinator
