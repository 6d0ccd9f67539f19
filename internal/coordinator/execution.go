package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shaiso/Relay/internal/ambiance"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/events"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
)

// execution — состояние одного активного выполнения плана.
//
// Все поля, кроме очереди, меняются только из run: события извне
// (результаты шагов, уведомления, таймеры, interrupt'ы) приходят
// замыканиями через post.
type execution struct {
	c      *Coordinator
	ctx    context.Context
	logger *slog.Logger

	pe    *domain.PlanExecution
	plan  *domain.Plan
	graph *engine.Graph
	tmpl  *engine.Context

	// Арена выполнений узлов (ID → NodeExecution)
	nodes map[string]*domain.NodeExecution

	inputs      map[string]*steps.Input
	results     map[string]map[string]*domain.Notification // ASYNC: пришедшие результаты
	cancels     map[string]context.CancelFunc              // SYNC: отмена работающих шагов
	timers      map[string]timer
	timerSeq    uint64
	deferred    []string // узлы, отложенные паузой плана
	unreachable map[string]bool
	counted     bool // учтено в ActivePlanExecutions
	halted      bool

	// Очередь событий
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
}

type timer struct {
	t   *time.Timer
	seq uint64
}

func newExecution(c *Coordinator, pe *domain.PlanExecution, plan *domain.Plan, graph *engine.Graph) *execution {
	tmpl := engine.NewContext(pe.Inputs)
	tmpl.Execution = engine.ExecutionContext{ID: pe.ID.String(), PlanID: plan.ID.String()}

	return &execution{
		c:           c,
		ctx:         c.runCtx,
		logger:      telemetry.WithPlanExecutionID(c.logger, pe.ID.String()),
		pe:          pe,
		plan:        plan,
		graph:       graph,
		tmpl:        tmpl,
		nodes:       make(map[string]*domain.NodeExecution),
		inputs:      make(map[string]*steps.Input),
		results:     make(map[string]map[string]*domain.Notification),
		cancels:     make(map[string]context.CancelFunc),
		timers:      make(map[string]timer),
		unreachable: make(map[string]bool),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// post ставит fn в очередь. Возвращает false, если выполнение уже
// завершено и событие никому не нужно.
func (e *execution) post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return true
}

func (e *execution) next() (func(), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.queue) == 0 {
		return nil, false
	}
	fn := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return fn, true
}

// close закрывает очередь; необработанные события отбрасываются.
func (e *execution) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.queue = nil
}

func (e *execution) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// run обрабатывает события по одному до завершения плана или остановки.
func (e *execution) run(ctx context.Context) {
	defer close(e.done)
	defer e.shutdown()

	for {
		for {
			fn, ok := e.next()
			if !ok {
				break
			}
			fn()
		}
		if e.isClosed() {
			return
		}

		select {
		case <-ctx.Done():
			e.close()
			return
		case <-e.signal:
		}
	}
}

// shutdown останавливает таймеры и работающие SYNC шаги.
// Состояние в хранилище не трогается: после рестарта оно восстановится.
func (e *execution) shutdown() {
	for id, t := range e.timers {
		t.t.Stop()
		delete(e.timers, id)
	}
	for id, cancel := range e.cancels {
		cancel()
		delete(e.cancels, id)
	}
	if e.counted && !e.pe.IsFinished() {
		telemetry.ActivePlanExecutions.Dec()
	}
}

// fatal останавливает выполнение, если его состояние нельзя сохранить.
func (e *execution) fatal(err error) {
	if e.halted {
		return
	}
	e.halted = true
	e.logger.Error("execution halted", "error", err)
	e.close()
	e.c.onFatal(err)
}

// after вызывает fn из цикла через delay. Новый таймер того же ключа
// заменяет старый.
func (e *execution) after(key string, delay time.Duration, fn func()) {
	e.stopTimer(key)
	e.timerSeq++
	seq := e.timerSeq
	t := time.AfterFunc(delay, func() {
		e.post(func() {
			current, ok := e.timers[key]
			if !ok || current.seq != seq {
				return
			}
			delete(e.timers, key)
			fn()
		})
	})
	e.timers[key] = timer{t: t, seq: seq}
}

func (e *execution) stopTimer(key string) {
	if t, ok := e.timers[key]; ok {
		t.t.Stop()
		delete(e.timers, key)
	}
}

// begin запускает выполнение из PENDING.
func (e *execution) begin() {
	for _, stepType := range e.stepTypes() {
		step, err := e.c.steps.Get(stepType)
		if err != nil {
			// Узел с неизвестным типом упадёт при активации
			continue
		}
		init, ok := step.(steps.PlanInitializer)
		if !ok {
			continue
		}
		if err := init.InitPlan(e.ctx, e.pe.ID.String(), e.plan); err != nil {
			e.finishPlan(domain.PlanStatusFailed, "init "+stepType+": "+err.Error())
			return
		}
	}

	from := e.pe.Status
	e.pe.MarkRunning()
	if !e.updatePlanExecution() {
		return
	}
	telemetry.PlanExecutionsStarted.Inc()
	telemetry.ActivePlanExecutions.Inc()
	e.counted = true
	e.c.emit(events.PlanEvent(e.pe, from, e.c.now()))

	e.logger.Info("plan execution started", "plan_id", e.plan.ID, "start_node", e.plan.StartNodeID)
	e.startNode(e.plan.StartNodeID, nil, nil)
}

func (e *execution) stepTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, node := range e.plan.Nodes {
		if !seen[node.StepType] {
			seen[node.StepType] = true
			out = append(out, node.StepType)
		}
	}
	sort.Strings(out)
	return out
}

// newNodeExecution создаёт выполнение узла в статусе QUEUED.
func (e *execution) newNodeExecution(node *domain.Node, parent *domain.NodeExecution) *domain.NodeExecution {
	id := ulid.Make().String()

	base := e.pe.Ambiance
	if parent != nil {
		base = parent.Ambiance
	}
	amb := base.WithLevel(ambiance.Level{
		RuntimeID:  id,
		SetupID:    node.ID,
		Identifier: node.Identifier,
		StepType:   node.StepType,
		Group:      node.Group,
	})

	ne := domain.NewNodeExecution(id, e.pe.ID, node, amb)
	now := e.c.now()
	ne.CreatedAt = now
	ne.UpdatedAt = now
	if parent != nil {
		ne.ParentID = parent.ID
	}
	return ne
}

// startNode создаёт выполнение узла и ставит его активацию в очередь.
func (e *execution) startNode(nodeID string, parent, previous *domain.NodeExecution) *domain.NodeExecution {
	node, ok := e.plan.Node(nodeID)
	if !ok {
		e.logger.Error("node not found in plan", "node_id", nodeID)
		return nil
	}

	ne := e.newNodeExecution(node, parent)
	if previous != nil {
		ne.PreviousID = previous.ID
	}
	if !e.register(ne) {
		return nil
	}
	e.schedule(ne, 0)
	return ne
}

// register сохраняет новое выполнение узла в арене и хранилище.
func (e *execution) register(ne *domain.NodeExecution) bool {
	e.nodes[ne.ID] = ne
	if !e.save(ne) {
		return false
	}
	e.c.emit(events.NodeEvent(e.pe, e.nodeOf(ne), ne, ""))
	return true
}

// schedule ставит активацию узла в очередь, с задержкой или без.
func (e *execution) schedule(ne *domain.NodeExecution, delay time.Duration) {
	id := ne.ID
	if delay > 0 {
		e.after(id, delay, func() { e.activate(id) })
		return
	}
	e.post(func() { e.activate(id) })
}

func (e *execution) nodeOf(ne *domain.NodeExecution) *domain.Node {
	node, _ := e.plan.Node(ne.NodeID)
	return node
}

// save сохраняет выполнение узла; ошибка хранилища фатальна.
func (e *execution) save(ne *domain.NodeExecution) bool {
	if e.halted {
		return false
	}
	if err := e.c.nodes.Save(e.ctx, ne); err != nil {
		e.fatal(err)
		return false
	}
	return true
}

func (e *execution) updatePlanExecution() bool {
	if e.halted {
		return false
	}
	if err := e.c.executions.Update(e.ctx, e.pe); err != nil {
		e.fatal(err)
		return false
	}
	return true
}

// transition переводит узел в новый статус и сохраняет его.
func (e *execution) transition(ne *domain.NodeExecution, to domain.Status) error {
	from := ne.Status
	if err := ne.TransitionTo(to, e.c.now()); err != nil {
		e.logger.Error("invalid node transition", "node_execution_id", ne.ID, "error", err)
		return err
	}
	if !e.save(ne) {
		return ErrCoordinatorStopped
	}

	node := e.nodeOf(ne)
	telemetry.NodeTransitions.WithLabelValues(node.StepType, string(to)).Inc()
	e.c.emit(events.NodeEvent(e.pe, node, ne, from))

	e.logger.Debug("node transition",
		"node_execution_id", ne.ID,
		"node_id", ne.NodeID,
		"from", from,
		"to", to,
	)
	return nil
}

// input возвращает вход шага; параметры рендерятся один раз на выполнение узла.
func (e *execution) input(ne *domain.NodeExecution) (*steps.Input, error) {
	if in, ok := e.inputs[ne.ID]; ok {
		return in, nil
	}
	node := e.nodeOf(ne)
	params, err := engine.RenderParameters(node.StepParameters, e.tmpl)
	if err != nil {
		return nil, err
	}
	in := &steps.Input{
		Ambiance:        ne.Ambiance,
		Node:            node,
		NodeExecutionID: ne.ID,
		Parameters:      params,
		Template:        e.tmpl,
	}
	e.inputs[ne.ID] = in
	return in, nil
}

// children возвращает детей узла в порядке создания.
func (e *execution) children(parentID string) []*domain.NodeExecution {
	var out []*domain.NodeExecution
	for _, ne := range e.nodes {
		if ne.ParentID == parentID && parentID != "" {
			out = append(out, ne)
		}
	}
	sortNodeExecutions(out)
	return out
}

// topLevel возвращает выполнения узлов верхнего уровня в порядке создания.
func (e *execution) topLevel() []*domain.NodeExecution {
	var out []*domain.NodeExecution
	for _, ne := range e.nodes {
		if ne.ParentID == "" {
			out = append(out, ne)
		}
	}
	sortNodeExecutions(out)
	return out
}

// hasActive проверяет, остались ли незавершённые узлы.
func (e *execution) hasActive() bool {
	for _, ne := range e.nodes {
		if !ne.IsTerminal() {
			return true
		}
	}
	return false
}
