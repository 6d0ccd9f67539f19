// Package cli реализует инструмент командной строки Relay.
//
// # Обзор
//
// CLI работает только через HTTP API и не импортирует внутренние
// пакеты системы. Через него загружают планы, запускают выполнения,
// смотрят статусы узлов и посылают interrupt'ы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Relay API. Разворачивает конверты data/total/error
// и превращает ответы с кодом >= 400 в ошибки.
//
//	client := cli.NewClient("http://localhost:8080")
//	plans, err := client.ListPlans()
//
// ## Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные идут в stdout, сообщения Success/Error в stderr, поэтому
// работает pipe: relay execution list --json | jq .
//
// ## Commands
//
// Cobra-команды сгруппированы по ресурсам:
//   - plan: list, create, show
//   - execution: list, start, show, nodes, abort, pause, resume
//   - node: retry, ignore, abort, mark-success, mark-failed
//   - notify
//
// Каждая группа создаётся фабрикой (NewPlanCmd и т.д.), принимающей
// clientFn и outputFn. Замыкания создают Client и Output лениво,
// уже после разбора PersistentFlags.
package cli
