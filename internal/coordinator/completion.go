package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Relay/internal/adviser"
	"github.com/shaiso/Relay/internal/blob"
	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/events"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/timeout"
)

// complete обрабатывает результат шага: адвайзеры узла решают, что
// делать дальше. Если ни один не принял событие, успех ведёт к next,
// а ошибка заканчивает ветку.
func (e *execution) complete(ne *domain.NodeExecution, resp *domain.StepResponse) {
	if ne.IsTerminal() || ne.Status == domain.StatusPaused {
		return
	}
	if ne.Status != domain.StatusRunning {
		if err := e.transition(ne, domain.StatusRunning); err != nil {
			return
		}
	}

	if resp == nil {
		resp = domain.Failed(domain.FailureApplication, "step returned no result")
	}
	to := resp.Status
	if !to.IsTerminal() {
		resp = domain.Failed(domain.FailureApplication, "step returned non-terminal status %q", resp.Status)
		to = domain.StatusFailed
	}

	e.storeOutputs(ne, resp.Outputs)
	ne.Failure = nil
	if to.IsFailure() {
		ne.Failure = failureFor(to, resp.Failure)
	}

	node := e.nodeOf(ne)
	advise, err := adviser.Decide(e.ctx, e.c.advisers, &adviser.Event{
		Ambiance:      ne.Ambiance,
		Node:          node,
		NodeExecution: ne,
		FromStatus:    ne.Status,
		ToStatus:      to,
	})
	if err != nil {
		if !errors.Is(err, adviser.ErrNoAdviserAccepted) {
			e.logger.Warn("adviser failed, using default flow",
				"node_execution_id", ne.ID,
				"node_id", ne.NodeID,
				"error", err,
			)
		}
		e.passThrough(ne, to, resp.Outputs)
		return
	}

	ne.Advise = advise
	telemetry.Advises.WithLabelValues(advise.Adviser, string(advise.Type)).Inc()
	e.logger.Info("node advised",
		"node_execution_id", ne.ID,
		"node_id", ne.NodeID,
		"status", to,
		"advise", advise.Type,
		"adviser", advise.Adviser,
	)
	e.applyAdvise(ne, to, advise, resp.Outputs)
}

// failureFor дополняет описание ошибки по умолчанию.
func failureFor(status domain.Status, f *domain.FailureInfo) *domain.FailureInfo {
	if f != nil {
		return f
	}
	switch status {
	case domain.StatusExpired:
		return &domain.FailureInfo{Kind: domain.FailureTimeout, Message: "timeout expired"}
	case domain.StatusAborted:
		return &domain.FailureInfo{Kind: domain.FailureAborted, Message: "aborted"}
	default:
		return &domain.FailureInfo{Kind: domain.FailureApplication, Message: "step failed"}
	}
}

// passThrough — поведение без совета.
func (e *execution) passThrough(ne *domain.NodeExecution, to domain.Status, outputs map[string]any) {
	if !e.finalize(ne, to, outputs) {
		return
	}
	if to.IsPositive() {
		e.continueBranch(ne, e.nodeOf(ne).Next)
		return
	}
	e.branchEnded(ne)
}

func (e *execution) applyAdvise(ne *domain.NodeExecution, to domain.Status, advise *domain.Advise, outputs map[string]any) {
	node := e.nodeOf(ne)

	switch advise.Type {
	case domain.AdviseNextStep:
		if e.finalize(ne, to, outputs) {
			e.continueBranch(ne, firstNonEmpty(advise.NextNodeID, node.Next))
		}

	case domain.AdviseRetry:
		if e.finalize(ne, to, outputs) {
			e.retry(ne, advise.Wait)
		}

	case domain.AdviseInterventionWait:
		e.pauseForIntervention(ne, to, advise)

	case domain.AdviseIgnore:
		ne.FailureIgnored = to.IsFailure()
		if e.finalize(ne, to, outputs) {
			e.continueBranch(ne, firstNonEmpty(advise.NextNodeID, node.Next))
		}

	case domain.AdviseEndPlan:
		if e.finalize(ne, to, outputs) {
			e.endPlan(domain.PlanStatusFor(to), adviseReason(ne, advise))
		}

	case domain.AdviseMarkSuccess:
		if e.finalize(ne, to, outputs) {
			e.endPlan(domain.PlanStatusSucceeded, adviseReason(ne, advise))
		}

	case domain.AdviseMarkFailed:
		if e.finalize(ne, to, outputs) {
			e.endPlan(domain.PlanStatusFailed, adviseReason(ne, advise))
		}

	default:
		e.logger.Warn("unknown advise type, using default flow", "advise", advise.Type)
		e.passThrough(ne, to, outputs)
	}
}

func adviseReason(ne *domain.NodeExecution, advise *domain.Advise) string {
	if advise.Reason != "" {
		return advise.Reason
	}
	if ne.Failure != nil {
		return fmt.Sprintf("node %s: %s", ne.NodeID, ne.Failure.Error())
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// pauseForIntervention ставит узел на паузу до решения оператора.
// Таймауты узла закрываются; если совет задаёт срок, по его истечении
// применяется ExpiryAction.
func (e *execution) pauseForIntervention(ne *domain.NodeExecution, to domain.Status, advise *domain.Advise) {
	ne.PendingStatus = to
	ne.PauseReason = domain.PauseIntervention
	if err := e.transition(ne, domain.StatusPaused); err != nil {
		return
	}
	e.c.timeouts.CloseNode(e.ctx, ne.ID)

	if advise.Timeout > 0 {
		action := advise.ExpiryAction
		if action == "" {
			action = domain.InterruptAbort
		}
		spec := timeout.Spec{
			Dimension:       timeout.DimensionIntervention,
			Duration:        advise.Timeout,
			NodeExecutionID: ne.ID,
			PlanExecutionID: e.pe.ID,
			Paused:          e.pe.Status == domain.PlanStatusPaused,
		}
		if _, err := e.c.timeouts.Register(e.ctx, spec, e.onExpire(ne.ID, action)); err != nil {
			e.logger.Error("failed to register intervention timeout", "node_execution_id", ne.ID, "error", err)
		}
	}

	e.logger.Warn("node waiting for intervention",
		"node_execution_id", ne.ID,
		"node_id", ne.NodeID,
		"pending_status", to,
		"timeout", advise.Timeout,
	)
}

// finalize переводит узел в терминальный статус и освобождает всё,
// что он держал. Ресурсы отпускаются до записи статуса: терминальный
// узел в хранилище уже ничего не держит.
func (e *execution) finalize(ne *domain.NodeExecution, to domain.Status, outputs map[string]any) bool {
	if domain.CanTransition(ne.Status, to) {
		e.releaseRestraints(ne.ID)
	}
	if err := e.transition(ne, to); err != nil {
		return false
	}
	node := e.nodeOf(ne)

	if outputs == nil {
		outputs = e.loadOutputs(ne)
	}
	e.tmpl.AddNodeResult(node.RefIdentifier(), outputs, string(to))

	e.cleanup(ne)
	if len(node.Children) > 0 {
		e.markUnreachable(e.subtrees(node.Children))
	}

	telemetry.StepDuration.WithLabelValues(node.StepType, string(ne.Mode)).Observe(ne.Duration().Seconds())

	attrs := []any{
		"node_execution_id", ne.ID,
		"node_id", ne.NodeID,
		"status", to,
		"duration", ne.Duration(),
	}
	if ne.Failure != nil {
		attrs = append(attrs, "failure", ne.Failure.Error(), "ignored", ne.FailureIgnored)
	}
	e.logger.Info("node finished", attrs...)
	return true
}

// cleanup снимает таймеры и таймауты узла.
func (e *execution) cleanup(ne *domain.NodeExecution) {
	e.stopTimer(ne.ID)
	if cancel, ok := e.cancels[ne.ID]; ok {
		cancel()
		delete(e.cancels, ne.ID)
	}
	delete(e.inputs, ne.ID)
	delete(e.results, ne.ID)

	e.c.timeouts.CloseNode(e.ctx, ne.ID)
}

// releaseRestraints завершает заявки, которые освобождаются вместе с entityID
// (узлом для области PARENT, выполнением плана для PLAN).
func (e *execution) releaseRestraints(entityID string) {
	if e.c.restraints == nil {
		return
	}
	if err := e.c.restraints.ReleaseByEntity(e.ctx, entityID); err != nil {
		e.logger.Error("failed to release restraints", "entity_id", entityID, "error", err)
	}
}

// storeOutputs кладёт outputs в узел; крупные уходят во внешнее хранилище.
func (e *execution) storeOutputs(ne *domain.NodeExecution, outputs map[string]any) {
	ne.Outputs = outputs
	ne.OutputsRef = ""
	if e.c.outputs == nil || len(outputs) == 0 {
		return
	}

	size, err := blob.Size(outputs)
	if err != nil || size <= e.c.inlineLimit {
		return
	}
	ref, err := e.c.outputs.Put(e.ctx, blob.Key(e.pe.ID.String(), ne.ID), outputs)
	if err != nil {
		e.logger.Warn("failed to offload outputs, keeping inline",
			"node_execution_id", ne.ID,
			"size", size,
			"error", err,
		)
		return
	}
	ne.Outputs = nil
	ne.OutputsRef = ref
}

// loadOutputs возвращает outputs узла, при необходимости из внешнего хранилища.
func (e *execution) loadOutputs(ne *domain.NodeExecution) map[string]any {
	if ne.Outputs != nil || ne.OutputsRef == "" || e.c.outputs == nil {
		return ne.Outputs
	}
	outputs, err := e.c.outputs.Get(e.ctx, ne.OutputsRef)
	if err != nil {
		e.logger.Warn("failed to load outputs", "node_execution_id", ne.ID, "ref", ne.OutputsRef, "error", err)
		return nil
	}
	return outputs
}

// retry создаёт новую попытку узла. Новая попытка сохраняется раньше
// ссылки на неё: после рестарта дубль не появится.
func (e *execution) retry(old *domain.NodeExecution, wait time.Duration) {
	var parent *domain.NodeExecution
	if old.ParentID != "" {
		parent = e.nodes[old.ParentID]
	}

	ne := e.newNodeExecution(e.nodeOf(old), parent)
	ne.PreviousID = old.PreviousID
	ne.RetryCount = old.RetryCount + 1
	ne.PreviousAttemptID = old.ID
	if !e.register(ne) {
		return
	}

	old.RetriedByID = ne.ID
	if !e.save(old) {
		return
	}

	e.logger.Info("node retry scheduled",
		"node_id", ne.NodeID,
		"attempt", ne.RetryCount,
		"wait", wait,
		"node_execution_id", ne.ID,
	)
	e.schedule(ne, wait)
}

// continueBranch запускает следующий узел ветки или заканчивает её.
func (e *execution) continueBranch(ne *domain.NodeExecution, nextID string) {
	if e.pe.IsFinished() {
		return
	}
	if nextID == "" {
		e.branchEnded(ne)
		return
	}

	var parent *domain.NodeExecution
	if ne.ParentID != "" {
		parent = e.nodes[ne.ParentID]
	}
	e.startNode(nextID, parent, ne)
}

// branchEnded сообщает о конце ветки родителю или проверяет конец плана.
func (e *execution) branchEnded(tail *domain.NodeExecution) {
	if e.pe.IsFinished() {
		return
	}
	e.markUnreachable(e.graph.Reachable(tail.NodeID))

	if tail.ParentID != "" {
		if parent, ok := e.nodes[tail.ParentID]; ok && !parent.IsTerminal() {
			e.onChildBranchEnd(parent, tail)
		}
		return
	}
	e.checkPlanDone()
}

// subtrees возвращает узлы и всё, что из них достижимо.
func (e *execution) subtrees(heads []string) []string {
	var out []string
	for _, head := range heads {
		out = append(out, head)
		out = append(out, e.graph.Reachable(head)...)
	}
	return out
}

// markUnreachable сообщает шагам, что их узлы в этом выполнении уже
// не запустятся (например, барьер перестаёт ждать участника).
func (e *execution) markUnreachable(nodeIDs []string) {
	if len(nodeIDs) == 0 {
		return
	}
	executed := make(map[string]bool, len(e.nodes))
	for _, ne := range e.nodes {
		executed[ne.NodeID] = true
	}

	for _, id := range nodeIDs {
		if executed[id] || e.unreachable[id] {
			continue
		}
		e.unreachable[id] = true

		node, ok := e.plan.Node(id)
		if !ok {
			continue
		}
		step, err := e.c.steps.Get(node.StepType)
		if err != nil {
			continue
		}
		if h, ok := step.(steps.UnreachableHandler); ok {
			if err := h.OnUnreachable(e.ctx, e.pe.ID.String(), node); err != nil {
				e.logger.Error("unreachable handler failed", "node_id", id, "error", err)
			}
		}
	}
}

// checkPlanDone завершает план, когда не осталось незавершённых узлов.
//
// Итог определяют последние попытки узлов верхнего уровня: ABORTED
// сильнее EXPIRED, EXPIRED сильнее FAILED. Проигнорированные ошибки
// не считаются.
func (e *execution) checkPlanDone() {
	if e.pe.IsFinished() || e.hasActive() {
		return
	}

	status := domain.PlanStatusSucceeded
	for _, ne := range e.topLevel() {
		if !ne.IsLatestAttempt() || !ne.CountsAsFailure() {
			continue
		}
		if s := domain.PlanStatusFor(ne.Status); planStatusRank(s) > planStatusRank(status) {
			status = s
		}
	}

	reason := ""
	if status != domain.PlanStatusSucceeded {
		reason = e.failureReason()
	}
	e.finishPlan(status, reason)
}

func planStatusRank(s domain.PlanStatus) int {
	switch s {
	case domain.PlanStatusAborted:
		return 3
	case domain.PlanStatusExpired:
		return 2
	case domain.PlanStatusFailed:
		return 1
	default:
		return 0
	}
}

// failureReason описывает самую глубокую ошибку: она ближе всего к причине.
func (e *execution) failureReason() string {
	var deepest *domain.NodeExecution
	for _, ne := range e.nodes {
		if !ne.IsLatestAttempt() || !ne.CountsAsFailure() || ne.Failure == nil {
			continue
		}
		if deepest == nil || ne.Ambiance.Depth() > deepest.Ambiance.Depth() ||
			(ne.Ambiance.Depth() == deepest.Ambiance.Depth() && ne.ID < deepest.ID) {
			deepest = ne
		}
	}
	if deepest == nil {
		return ""
	}
	return fmt.Sprintf("node %s: %s", deepest.NodeID, deepest.Failure.Error())
}

// endPlan прерывает всё незавершённое и завершает план.
func (e *execution) endPlan(status domain.PlanStatus, reason string) {
	for _, ne := range e.topLevel() {
		if !ne.IsTerminal() {
			e.abortNode(ne, "plan ended")
		}
	}
	e.finishPlan(status, reason)
}

// finishPlan фиксирует итог выполнения и освобождает ресурсы плана.
func (e *execution) finishPlan(status domain.PlanStatus, reason string) {
	if e.pe.IsFinished() || e.halted {
		return
	}

	// Ресурсы и барьеры плана отпускаются до записи итога
	planID := e.pe.ID.String()
	e.releaseRestraints(planID)
	if e.c.barriers != nil {
		if err := e.c.barriers.AbandonPlan(e.ctx, planID, "plan finished"); err != nil {
			e.logger.Error("failed to abandon plan barriers", "error", err)
		}
	}

	from := e.pe.Status
	e.pe.MarkFinished(status, reason)
	if !e.updatePlanExecution() {
		return
	}
	e.c.timeouts.ClosePlan(e.ctx, e.pe.ID)

	telemetry.PlanExecutionsFinished.WithLabelValues(string(status)).Inc()
	if e.counted {
		telemetry.ActivePlanExecutions.Dec()
		e.counted = false
	}
	e.c.emit(events.PlanEvent(e.pe, from, e.c.now()))

	attrs := []any{"status", status, "duration", e.pe.Duration()}
	if reason != "" {
		attrs = append(attrs, "error", reason)
	}
	e.logger.Info("plan execution finished", attrs...)

	e.close()
}

// abortNode прерывает узел и всех его потомков без участия адвайзеров.
// Продолжение ветки остаётся за вызывающим.
func (e *execution) abortNode(ne *domain.NodeExecution, reason string) {
	for _, child := range e.children(ne.ID) {
		if !child.IsTerminal() {
			e.abortNode(child, reason)
		}
	}
	if ne.IsTerminal() {
		return
	}

	e.stopWork(ne)
	e.abortStep(ne)

	ne.Failure = &domain.FailureInfo{Kind: domain.FailureAborted, Message: reason}
	e.finalize(ne, domain.StatusAborted, nil)
}

// stopWork отменяет внешнюю работу узла: SYNC шаг, подписки, задачи.
func (e *execution) stopWork(ne *domain.NodeExecution) {
	e.stopTimer(ne.ID)
	if cancel, ok := e.cancels[ne.ID]; ok {
		cancel()
		delete(e.cancels, ne.ID)
	}
	for _, corr := range ne.CorrelationIDs {
		e.c.notifier.Cancel(corr)
	}
	delete(e.results, ne.ID)

	isTask := ne.Mode == domain.ModeTask || ne.Mode == domain.ModeTaskChain
	if isTask && ne.Status == domain.StatusWaiting && e.c.dispatcher != nil {
		if err := e.c.dispatcher.Cancel(e.ctx, ne.ID); err != nil {
			e.logger.Error("failed to cancel delegate task", "node_execution_id", ne.ID, "error", err)
		}
	}
}

// abortStep даёт шагу убрать за собой (снять заявку, опустить барьер).
func (e *execution) abortStep(ne *domain.NodeExecution) {
	step, err := e.c.steps.Get(e.nodeOf(ne).StepType)
	if err != nil {
		return
	}
	a, ok := step.(steps.Abortable)
	if !ok {
		return
	}
	in, err := e.input(ne)
	if err != nil {
		return
	}
	if err := a.OnAbort(e.ctx, in); err != nil {
		e.logger.Error("abort handler failed", "node_execution_id", ne.ID, "error", err)
	}
}

// skip завершает узел как SKIPPED и продолжает ветку.
func (e *execution) skip(ne *domain.NodeExecution) {
	e.logger.Info("node skipped", "node_execution_id", ne.ID, "node_id", ne.NodeID)
	if e.finalize(ne, domain.StatusSkipped, nil) {
		e.continueBranch(ne, e.nodeOf(ne).Next)
	}
}
