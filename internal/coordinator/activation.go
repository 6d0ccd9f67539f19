package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/engine"
	"github.com/shaiso/Relay/internal/facilitator"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/timeout"
)

// activate переводит узел из QUEUED в RUNNING и запускает шаг.
//
// Порядок: пропуск по skip_condition, таймауты узла, фасилитация,
// начальная задержка, вызов шага в выбранном режиме.
func (e *execution) activate(id string) {
	ne, ok := e.nodes[id]
	if !ok || ne.Status != domain.StatusQueued || e.pe.IsFinished() {
		return
	}
	if e.pe.Status == domain.PlanStatusPaused {
		e.deferred = append(e.deferred, id)
		return
	}

	node := e.nodeOf(ne)
	if err := e.transition(ne, domain.StatusRunning); err != nil {
		return
	}

	if node.SkipCondition != "" {
		skip, err := engine.RenderCondition(node.SkipCondition, e.tmpl)
		if err != nil {
			e.complete(ne, domain.Failed(domain.FailureConfiguration, "skip condition: %v", err))
			return
		}
		if skip {
			e.skip(ne)
			return
		}
	}

	if err := e.registerTimeouts(ne, node); err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "%v", err))
		return
	}

	e.execute(ne)
}

// registerTimeouts запускает таймауты узла. Истечение любого из них
// превращается в interrupt EXPIRE.
func (e *execution) registerTimeouts(ne *domain.NodeExecution, node *domain.Node) error {
	for _, ob := range node.Timeouts {
		var params struct {
			Duration string `json:"duration"`
		}
		if len(ob.Parameters) > 0 {
			if err := json.Unmarshal(ob.Parameters, &params); err != nil {
				return fmt.Errorf("timeout %s: %w", ob.Type, err)
			}
		}
		d, err := time.ParseDuration(params.Duration)
		if err != nil {
			return fmt.Errorf("timeout %s: invalid duration %q", ob.Type, params.Duration)
		}

		spec := timeout.Spec{
			Dimension:       ob.Type,
			Duration:        d,
			NodeExecutionID: ne.ID,
			PlanExecutionID: e.pe.ID,
			Paused:          e.pe.Status == domain.PlanStatusPaused,
		}
		if _, err := e.c.timeouts.Register(e.ctx, spec, e.onExpire(ne.ID, domain.InterruptExpire)); err != nil {
			return fmt.Errorf("timeout %s: %w", ob.Type, err)
		}
	}
	return nil
}

// onExpire возвращает обработчик истечения таймаута: interrupt типа t
// от имени TIMEOUT.
func (e *execution) onExpire(nodeExecutionID string, t domain.InterruptType) timeout.ExpiryFunc {
	return func(inst *domain.TimeoutInstance) {
		intr := domain.NewInterrupt(t, e.pe.ID, nodeExecutionID, domain.SourceTimeout)
		intr.Reason = fmt.Sprintf("%s timeout of %s expired", inst.Dimension, inst.Duration)
		e.post(func() {
			if err := e.applyInterrupt(intr); err != nil {
				e.logger.Debug("timeout interrupt ignored",
					"node_execution_id", nodeExecutionID,
					"type", t,
					"error", err,
				)
			}
		})
	}
}

// execute выбирает режим через фасилитаторов и вызывает шаг.
func (e *execution) execute(ne *domain.NodeExecution) {
	node := e.nodeOf(ne)

	step, err := e.c.steps.Get(node.StepType)
	if err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "step type %q: %v", node.StepType, err))
		return
	}
	if _, err := e.input(ne); err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "render parameters: %v", err))
		return
	}

	resp, err := facilitator.Resolve(e.ctx, e.c.facilitators, &facilitator.Input{
		Ambiance: ne.Ambiance,
		Node:     node,
		Step:     step,
	})
	if err != nil {
		kind := domain.FailureConfiguration
		if errors.Is(err, facilitator.ErrNoFacilitatorFound) {
			kind = domain.FailureNoFacilitator
		}
		e.complete(ne, domain.Failed(kind, "%v", err))
		return
	}

	ne.Mode = resp.Mode
	ne.FacilitatorResponse = resp
	if !e.save(ne) {
		return
	}

	if resp.InitialWait > 0 {
		id := ne.ID
		e.after(id, resp.InitialWait, func() { e.invoke(id) })
		return
	}
	e.invoke(ne.ID)
}

// invoke вызывает шаг в режиме, выбранном фасилитатором.
func (e *execution) invoke(id string) {
	ne, ok := e.nodes[id]
	if !ok || ne.Status != domain.StatusRunning {
		return
	}
	node := e.nodeOf(ne)
	step, err := e.c.steps.Get(node.StepType)
	if err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "step type %q: %v", node.StepType, err))
		return
	}
	in, err := e.input(ne)
	if err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "render parameters: %v", err))
		return
	}
	if !steps.Supports(step, ne.Mode) {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "%v: %s does not support %s", steps.ErrUnsupportedMode, node.StepType, ne.Mode))
		return
	}

	switch ne.Mode {
	case domain.ModeSync:
		e.runSync(ne, step.(steps.SyncExecutable), in)
	case domain.ModeAsync:
		e.runAsync(ne, step.(steps.AsyncExecutable), in)
	case domain.ModeTask:
		e.runTask(ne, step.(steps.TaskExecutable), in)
	case domain.ModeTaskChain:
		e.nextLink(ne, step.(steps.TaskChainExecutable), in, 0, nil)
	case domain.ModeChildren:
		e.runChildren(ne, step.(steps.ChildrenExecutable), in)
	case domain.ModeChildChain:
		e.nextChild(ne, step.(steps.ChildChainExecutable), in, 0, nil)
	default:
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "unknown execution mode %q", ne.Mode))
	}
}

// stepError превращает ошибку вызова шага в результат.
func stepError(err error) *domain.StepResponse {
	if errors.Is(err, steps.ErrInvalidConfig) {
		return domain.Failed(domain.FailureConfiguration, "%v", err)
	}
	return domain.Failed(domain.FailureApplication, "%v", err)
}

// runSync выполняет шаг в отдельной горутине; результат возвращается в цикл.
func (e *execution) runSync(ne *domain.NodeExecution, step steps.SyncExecutable, in *steps.Input) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.cancels[ne.ID] = cancel

	// Горутина читает снимок шаблонного контекста: оригинал меняется в цикле
	snapshot := *in
	snapshot.Template = in.Template.Snapshot()

	id := ne.ID
	go func() {
		ctx = telemetry.WithLogger(ctx, e.logger)
		ctx, span := telemetry.StartStepSpan(ctx, snapshot.Ambiance, string(domain.ModeSync))
		resp, err := step.ExecuteSync(ctx, &snapshot)
		telemetry.EndSpan(span, err)

		e.post(func() { e.onSyncDone(id, resp, err) })
	}()
}

func (e *execution) onSyncDone(id string, resp *domain.StepResponse, err error) {
	if cancel, ok := e.cancels[id]; ok {
		cancel()
		delete(e.cancels, id)
	}
	if e.ctx.Err() != nil {
		// Coordinator останавливается: узел остаётся RUNNING и будет вызван снова
		return
	}
	ne, ok := e.nodes[id]
	if !ok || ne.Status != domain.StatusRunning {
		// Узел уже прерван или истёк: результат опоздал
		return
	}
	if err != nil {
		resp = stepError(err)
	}
	e.complete(ne, resp)
}

// runAsync вызывает шаг и ждёт уведомлений по его correlation ID.
func (e *execution) runAsync(ne *domain.NodeExecution, step steps.AsyncExecutable, in *steps.Input) {
	ctx, span := telemetry.StartStepSpan(e.ctx, ne.Ambiance, string(domain.ModeAsync))
	resp, err := step.ExecuteAsync(ctx, in)
	telemetry.EndSpan(span, err)
	if err != nil {
		e.complete(ne, stepError(err))
		return
	}
	if resp == nil || len(resp.CorrelationIDs) == 0 {
		// Нечего ждать: сразу обрабатываем пустой набор результатов
		e.handleAsync(ne, step, in)
		return
	}
	e.await(ne, resp.CorrelationIDs)
}

// await переводит узел в WAITING и подписывается на correlation ID.
func (e *execution) await(ne *domain.NodeExecution, correlationIDs []string) {
	ne.CorrelationIDs = correlationIDs
	e.results[ne.ID] = make(map[string]*domain.Notification, len(correlationIDs))
	if err := e.transition(ne, domain.StatusWaiting); err != nil {
		return
	}
	e.subscribe(ne)
}

// subscribe регистрирует callback'и узла в Notifier.
func (e *execution) subscribe(ne *domain.NodeExecution) {
	id := ne.ID
	for _, corr := range ne.CorrelationIDs {
		e.c.notifier.Register(corr, func(n *domain.Notification) {
			e.post(func() { e.onNotification(id, n) })
		})
	}
}

// onNotification собирает результаты; когда пришли все, узел продолжается.
func (e *execution) onNotification(id string, n *domain.Notification) {
	ne, ok := e.nodes[id]
	if !ok || ne.Status != domain.StatusWaiting {
		return
	}
	pending, ok := e.results[id]
	if !ok {
		pending = make(map[string]*domain.Notification)
		e.results[id] = pending
	}
	pending[n.CorrelationID] = n
	e.c.timeouts.Progress(e.ctx, id)

	for _, corr := range ne.CorrelationIDs {
		if _, ok := pending[corr]; !ok {
			return
		}
	}

	delete(e.results, id)
	if err := e.transition(ne, domain.StatusRunning); err != nil {
		return
	}

	step, in, ok := e.stepInput(ne)
	if !ok {
		return
	}

	switch ne.Mode {
	case domain.ModeAsync:
		e.handleAsyncResults(ne, step.(steps.AsyncExecutable), in, pending)
	case domain.ModeTask:
		resp, err := step.(steps.TaskExecutable).HandleTaskResult(e.ctx, in, pending[ne.CorrelationIDs[0]])
		e.completeWith(ne, resp, err)
	case domain.ModeTaskChain:
		last := pending[ne.CorrelationIDs[0]]
		e.nextLink(ne, step.(steps.TaskChainExecutable), in, ne.ChainRound+1, last)
	}
}

func (e *execution) handleAsync(ne *domain.NodeExecution, step steps.AsyncExecutable, in *steps.Input) {
	e.handleAsyncResults(ne, step, in, map[string]*domain.Notification{})
}

func (e *execution) handleAsyncResults(ne *domain.NodeExecution, step steps.AsyncExecutable, in *steps.Input, results map[string]*domain.Notification) {
	resp, err := step.HandleAsyncResponse(e.ctx, in, results)
	e.completeWith(ne, resp, err)
}

func (e *execution) completeWith(ne *domain.NodeExecution, resp *domain.StepResponse, err error) {
	if err != nil {
		resp = stepError(err)
	}
	e.complete(ne, resp)
}

// runTask отправляет задачу делегату.
func (e *execution) runTask(ne *domain.NodeExecution, step steps.TaskExecutable, in *steps.Input) {
	spec, err := step.ObtainTask(e.ctx, in)
	if err != nil {
		e.complete(ne, stepError(err))
		return
	}
	e.submit(ne, spec, in.CorrelationID("task"))
}

// submit подписывается на результат задачи и отдаёт её диспетчеру.
// Подписка идёт до отправки: результат не может обогнать callback.
func (e *execution) submit(ne *domain.NodeExecution, spec *domain.TaskSpec, corr string) {
	if e.c.dispatcher == nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "no task dispatcher configured for %s", ne.Mode))
		return
	}

	e.await(ne, []string{corr})
	if ne.Status != domain.StatusWaiting {
		return
	}

	ctx, span := telemetry.StartStepSpan(e.ctx, ne.Ambiance, string(ne.Mode))
	task, err := e.c.dispatcher.Submit(ctx, e.pe.ID, ne.ID, corr, spec)
	telemetry.EndSpan(span, err)
	if err != nil {
		e.c.notifier.Cancel(corr)
		if e.transition(ne, domain.StatusRunning) == nil {
			e.complete(ne, domain.Failed(domain.FailureApplication, "submit task: %v", err))
		}
		return
	}

	e.logger.Debug("task submitted",
		"node_execution_id", ne.ID,
		"task_id", task.ID,
		"task_type", task.Type,
	)
}

// nextLink запрашивает у шага следующее звено цепочки задач.
func (e *execution) nextLink(ne *domain.NodeExecution, step steps.TaskChainExecutable, in *steps.Input, round int, last *domain.Notification) {
	link, err := step.NextLink(e.ctx, in, round, ne.PassThroughData, last)
	if err != nil {
		e.complete(ne, stepError(err))
		return
	}

	if link.PassThrough != nil {
		ne.PassThroughData = link.PassThrough
	}
	if link.Task == nil {
		ne.ChainEnd = true
		resp, err := step.FinishChain(e.ctx, in, ne.PassThroughData, last)
		e.completeWith(ne, resp, err)
		return
	}

	ne.ChainRound = round
	e.submit(ne, link.Task, in.CorrelationID(fmt.Sprintf("chain-%d", round)))
}

// runChildren создаёт всех детей сразу и ждёт завершения всех веток.
func (e *execution) runChildren(ne *domain.NodeExecution, step steps.ChildrenExecutable, in *steps.Input) {
	childIDs, err := step.ObtainChildren(e.ctx, in)
	if err != nil {
		e.complete(ne, stepError(err))
		return
	}
	if len(childIDs) == 0 {
		resp, err := step.HandleChildrenResponse(e.ctx, in, nil)
		e.completeWith(ne, resp, err)
		return
	}

	if err := e.transition(ne, domain.StatusWaiting); err != nil {
		return
	}

	// Сначала создаём всех детей, потом активируем: fan-in не должен
	// сработать, пока не создан последний ребёнок
	var created []*domain.NodeExecution
	for _, childID := range childIDs {
		node, ok := e.plan.Node(childID)
		if !ok {
			e.logger.Error("child node not found", "node_id", childID, "parent", ne.NodeID)
			continue
		}
		child := e.newNodeExecution(node, ne)
		if !e.register(child) {
			return
		}
		created = append(created, child)
	}
	for _, child := range created {
		e.schedule(child, 0)
	}
	e.checkChildren(ne)
}

// checkChildren завершает узел CHILDREN, когда все ветки закончились.
func (e *execution) checkChildren(ne *domain.NodeExecution) {
	if ne.Status != domain.StatusWaiting {
		return
	}
	children := e.children(ne.ID)
	for _, child := range children {
		if !child.IsTerminal() {
			return
		}
	}

	if err := e.transition(ne, domain.StatusRunning); err != nil {
		return
	}

	for _, child := range children {
		if child.IsLatestAttempt() && child.CountsAsFailure() {
			resp := domain.Failed(domain.FailureChildren, "child %s finished with %s", child.NodeID, child.Status)
			resp.Outputs = steps.ChildOutputs(children)
			e.complete(ne, resp)
			return
		}
	}

	step, in, ok := e.stepInput(ne)
	if !ok {
		return
	}
	resp, err := step.(steps.ChildrenExecutable).HandleChildrenResponse(e.ctx, in, children)
	e.completeWith(ne, resp, err)
}

// nextChild запускает следующего ребёнка цепочки или завершает её.
func (e *execution) nextChild(ne *domain.NodeExecution, step steps.ChildChainExecutable, in *steps.Input, round int, last *domain.NodeExecution) {
	link, err := step.NextChild(e.ctx, in, round, ne.PassThroughData, last)
	if err != nil {
		e.complete(ne, stepError(err))
		return
	}
	if link.PassThrough != nil {
		ne.PassThroughData = link.PassThrough
	}

	if link.ChildID == "" {
		ne.ChainEnd = true
		resp, err := step.FinishChildChain(e.ctx, in, e.children(ne.ID))
		e.completeWith(ne, resp, err)
		return
	}

	ne.ChainRound = round
	if err := e.transition(ne, domain.StatusWaiting); err != nil {
		return
	}
	e.startNode(link.ChildID, ne, nil)
}

// onChildBranchEnd вызывается, когда ветка ребёнка закончилась.
// tail — последний узел ветки.
func (e *execution) onChildBranchEnd(parent, tail *domain.NodeExecution) {
	switch parent.Mode {
	case domain.ModeChildren:
		e.checkChildren(parent)
	case domain.ModeChildChain:
		if parent.Status != domain.StatusWaiting {
			return
		}
		if err := e.transition(parent, domain.StatusRunning); err != nil {
			return
		}
		e.c.timeouts.Progress(e.ctx, parent.ID)

		step, in, ok := e.stepInput(parent)
		if !ok {
			return
		}
		e.nextChild(parent, step.(steps.ChildChainExecutable), in, parent.ChainRound+1, tail)
	}
}
