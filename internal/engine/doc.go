// Package engine отвечает за структуру плана.
//
// Включает:
//   - parser.go   — разбор плана из YAML/JSON и валидация
//   - graph.go    — граф узлов (рёбра next и children), проверка ацикличности
//   - template.go — рендеринг Go templates ({{ .Nodes.build.Outputs.x }})
//
// Engine ничего не выполняет: он только понимает, из чего состоит
// план и как узлы связаны. Выполнением занимается coordinator.
package engine
