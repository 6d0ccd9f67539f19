package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/Relay/internal/domain"
)

// Vertex — узел в графе плана.
type Vertex struct {
	// Node — определение узла из плана.
	Node *domain.Node

	// InDegree — количество входящих рёбер.
	InDegree int

	// Successors — узлы, в которые ведут рёбра next и children.
	Successors []*Vertex

	// Predecessors — узлы, из которых ведут рёбра в этот.
	Predecessors []*Vertex

	// Parent — узел, для которого этот является потомком (через children
	// или как продолжение ветки потомка по next). Nil для верхнего уровня.
	Parent *Vertex
}

// ID возвращает ID узла.
func (v *Vertex) ID() string {
	return v.Node.ID
}

// Graph — ориентированный ациклический граф плана.
//
// Рёбра двух видов:
//   - next: узел → следующий узел той же ветки
//   - children: fork/group → головы дочерних веток
type Graph struct {
	// Vertices — все вершины (nodeID → Vertex).
	Vertices map[string]*Vertex

	// Start — стартовая вершина.
	Start *Vertex

	// Order — топологически отсортированный список вершин.
	Order []*Vertex
}

// BuildGraph строит граф из плана.
// Возвращает ошибку при ссылке на неизвестный узел или цикле.
func BuildGraph(plan *domain.Plan) (*Graph, error) {
	g := &Graph{
		Vertices: make(map[string]*Vertex, len(plan.Nodes)),
	}

	// Первый проход: создаём вершины
	for id, node := range plan.Nodes {
		g.Vertices[id] = &Vertex{Node: node}
	}

	start, ok := g.Vertices[plan.StartNodeID]
	if !ok {
		return nil, NewValidationError("", "start_node_id",
			fmt.Sprintf("start node not found: %s", plan.StartNodeID), ErrMissingReference)
	}
	g.Start = start

	// Второй проход: связываем рёбра
	for _, id := range sortedIDs(plan.Nodes) {
		v := g.Vertices[id]

		if next := v.Node.Next; next != "" {
			if err := g.link(v, next, "next"); err != nil {
				return nil, err
			}
		}
		for _, child := range v.Node.Children {
			if err := g.link(v, child, "children"); err != nil {
				return nil, err
			}
		}
	}

	order, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.Order = order

	if err := g.assignParents(); err != nil {
		return nil, err
	}

	return g, nil
}

// link добавляет ребро from → toID.
func (g *Graph) link(from *Vertex, toID, field string) error {
	if toID == from.ID() {
		return NewValidationError(from.ID(), field, "node references itself", ErrSelfReference)
	}
	to, ok := g.Vertices[toID]
	if !ok {
		return NewValidationError(from.ID(), field,
			fmt.Sprintf("references unknown node: %s", toID), ErrMissingReference)
	}
	g.addEdge(from, to)
	return nil
}

// addEdge добавляет ребро между вершинами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (g *Graph) addEdge(from, to *Vertex) {
	for _, p := range to.Predecessors {
		if p == from {
			return
		}
	}
	from.Successors = append(from.Successors, to)
	to.Predecessors = append(to.Predecessors, from)
	to.InDegree++
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (g *Graph) topologicalSort() ([]*Vertex, error) {
	inDegree := make(map[string]int, len(g.Vertices))
	queue := make([]*Vertex, 0)

	for _, id := range sortedVertexIDs(g.Vertices) {
		v := g.Vertices[id]
		inDegree[id] = v.InDegree
		if v.InDegree == 0 {
			queue = append(queue, v)
		}
	}

	order := make([]*Vertex, 0, len(g.Vertices))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)

		for _, s := range v.Successors {
			inDegree[s.ID()]--
			if inDegree[s.ID()] == 0 {
				queue = append(queue, s)
			}
		}
	}

	// Если не все вершины обработаны — есть цикл
	if len(order) != len(g.Vertices) {
		return nil, ErrCyclicGraph
	}
	return order, nil
}

// assignParents вычисляет родителя каждой вершины.
//
// Потомок fork/group получает родителем сам fork/group, продолжение
// ветки по next наследует родителя предыдущего узла. Вершина,
// достижимая из двух разных родителей, — ошибка: её NodeExecution
// не смогла бы однозначно участвовать в fan-in.
func (g *Graph) assignParents() error {
	assigned := make(map[string]bool, len(g.Vertices))

	for _, v := range g.Order {
		for _, childID := range v.Node.Children {
			child := g.Vertices[childID]
			if err := g.setParent(child, v, assigned); err != nil {
				return err
			}
		}
		if v.Node.Next != "" {
			next := g.Vertices[v.Node.Next]
			if err := g.setParent(next, v.Parent, assigned); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) setParent(v, parent *Vertex, assigned map[string]bool) error {
	if assigned[v.ID()] && v.Parent != parent {
		return NewValidationError(v.ID(), "children",
			"node is reachable from more than one parent", ErrMultipleParents)
	}
	v.Parent = parent
	assigned[v.ID()] = true
	return nil
}

// Vertex возвращает вершину по ID.
func (g *Graph) Vertex(id string) *Vertex {
	return g.Vertices[id]
}

// Size возвращает количество вершин.
func (g *Graph) Size() int {
	return len(g.Vertices)
}

// Reachable возвращает ID узлов, достижимых из from (не включая from).
func (g *Graph) Reachable(from string) []string {
	start, ok := g.Vertices[from]
	if !ok {
		return nil
	}

	seen := map[string]bool{from: true}
	stack := append([]*Vertex(nil), start.Successors...)
	var out []string

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[v.ID()] {
			continue
		}
		seen[v.ID()] = true
		out = append(out, v.ID())
		stack = append(stack, v.Successors...)
	}

	sort.Strings(out)
	return out
}

// Branch возвращает узлы ветки, начиная с head и следуя по next.
func (g *Graph) Branch(head string) []string {
	var out []string
	for id := head; id != ""; {
		v, ok := g.Vertices[id]
		if !ok {
			break
		}
		out = append(out, id)
		id = v.Node.Next
	}
	return out
}

func sortedIDs(nodes map[string]*domain.Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedVertexIDs(vs map[string]*Vertex) []string {
	ids := make([]string, 0, len(vs))
	for id := range vs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
