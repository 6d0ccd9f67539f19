package coordinator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/steps"
	"github.com/shaiso/Relay/internal/telemetry"
	"github.com/shaiso/Relay/internal/timeout"
)

// recover восстанавливает выполнение RUNNING или PAUSED после рестарта.
//
// Состояние берётся целиком из хранилища:
//   - шаблонный контекст собирается из завершённых узлов
//   - таймауты продолжают счёт с сохранённого места
//   - потерянные продолжения (next, retry) создаются заново по сохранённому совету
//   - ожидающие узлы снова подписываются на свои correlation ID
//   - узел, застигнутый в RUNNING, вызывается повторно
func (e *execution) recover() {
	nes, err := e.c.nodes.ListByPlanExecution(e.ctx, e.pe.ID)
	if err != nil {
		e.logger.Error("failed to load node executions", "error", err)
		e.close()
		return
	}
	for _, ne := range nes {
		e.nodes[ne.ID] = ne
	}

	telemetry.ActivePlanExecutions.Inc()
	e.counted = true

	e.rebuildTemplate()
	e.restoreTimeouts()

	if len(nes) == 0 {
		// Рестарт между MarkRunning и созданием первого узла
		e.startNode(e.plan.StartNodeID, nil, nil)
		return
	}

	e.recoverContinuations(nes)

	for _, ne := range nes {
		switch ne.Status {
		case domain.StatusQueued:
			e.schedule(ne, e.retryDelay(ne))
		case domain.StatusRunning:
			e.recoverRunning(ne)
		case domain.StatusWaiting:
			e.recoverWaiting(ne)
		}
	}

	e.logger.Info("plan execution recovered",
		"status", e.pe.Status,
		"node_executions", len(nes),
	)
	e.checkPlanDone()
}

// rebuildTemplate заполняет шаблонный контекст в порядке завершения узлов.
func (e *execution) rebuildTemplate() {
	var finished []*domain.NodeExecution
	for _, ne := range e.nodes {
		if ne.IsTerminal() && ne.IsLatestAttempt() && ne.EndedAt != nil {
			finished = append(finished, ne)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].EndedAt.Before(*finished[j].EndedAt) })

	for _, ne := range finished {
		e.tmpl.AddNodeResult(e.nodeOf(ne).RefIdentifier(), e.loadOutputs(ne), string(ne.Status))
	}
}

// restoreTimeouts возобновляет сохранённые таймауты незавершённых узлов.
func (e *execution) restoreTimeouts() {
	if e.c.timeoutStore == nil {
		return
	}
	insts, err := e.c.timeoutStore.ListActive(e.ctx, e.pe.ID)
	if err != nil {
		e.logger.Error("failed to load timeouts", "error", err)
		return
	}

	for _, inst := range insts {
		ne, ok := e.nodes[inst.NodeExecutionID]
		if !ok || ne.IsTerminal() {
			continue
		}
		action := domain.InterruptExpire
		if inst.Dimension == timeout.DimensionIntervention {
			action = domain.InterruptAbort
			if ne.Advise != nil && ne.Advise.ExpiryAction != "" {
				action = ne.Advise.ExpiryAction
			}
		}
		if err := e.c.timeouts.Restore(e.ctx, inst, e.onExpire(ne.ID, action)); err != nil {
			e.logger.Error("failed to restore timeout", "timeout_id", inst.ID, "error", err)
		}
	}
}

// recoverContinuations создаёт продолжения, которые не успели появиться
// до рестарта: следующую попытку после RETRY, следующий узел после
// успеха, завершение плана после END_PLAN.
func (e *execution) recoverContinuations(nes []*domain.NodeExecution) {
	nextOf := make(map[string]bool)
	attemptOf := make(map[string]string)
	for _, ne := range nes {
		if ne.PreviousID != "" {
			nextOf[ne.PreviousID] = true
		}
		if ne.PreviousAttemptID != "" {
			attemptOf[ne.PreviousAttemptID] = ne.ID
		}
	}

	for _, ne := range nes {
		if e.pe.IsFinished() {
			return
		}
		if !ne.IsTerminal() {
			continue
		}
		if parent, ok := e.nodes[ne.ParentID]; ok && parent.IsTerminal() {
			continue
		}

		if retryID, ok := attemptOf[ne.ID]; ok {
			if ne.RetriedByID == "" {
				ne.RetriedByID = retryID
				e.save(ne)
			}
			continue
		}
		if !ne.IsLatestAttempt() || nextOf[ne.ID] {
			continue
		}

		node := e.nodeOf(ne)
		advise := ne.Advise
		switch {
		case advise == nil:
			if ne.Status.IsPositive() && node.Next != "" {
				e.continueBranch(ne, node.Next)
			}
		case advise.Type == domain.AdviseRetry:
			e.retry(ne, remaining(ne.EndedAt, advise.Wait, e.c.now()))
		case advise.Type == domain.AdviseNextStep, advise.Type == domain.AdviseIgnore:
			if next := firstNonEmpty(advise.NextNodeID, node.Next); next != "" {
				e.continueBranch(ne, next)
			}
		case advise.Type == domain.AdviseEndPlan:
			e.endPlan(domain.PlanStatusFor(ne.Status), adviseReason(ne, advise))
		case advise.Type == domain.AdviseMarkSuccess:
			e.endPlan(domain.PlanStatusSucceeded, adviseReason(ne, advise))
		case advise.Type == domain.AdviseMarkFailed:
			e.endPlan(domain.PlanStatusFailed, adviseReason(ne, advise))
		}
	}
}

// retryDelay — сколько ещё ждать попытке, созданной RETRY с задержкой.
func (e *execution) retryDelay(ne *domain.NodeExecution) time.Duration {
	prev, ok := e.nodes[ne.PreviousAttemptID]
	if !ok || prev.Advise == nil || prev.Advise.Type != domain.AdviseRetry {
		return 0
	}
	return remaining(prev.EndedAt, prev.Advise.Wait, e.c.now())
}

func remaining(from *time.Time, wait time.Duration, now time.Time) time.Duration {
	if from == nil || wait <= 0 {
		return 0
	}
	return max(from.Add(wait).Sub(now), 0)
}

// recoverRunning продолжает узел, застигнутый в RUNNING.
func (e *execution) recoverRunning(ne *domain.NodeExecution) {
	children := e.children(ne.ID)

	switch {
	case ne.Mode == domain.ModeChildren && len(children) > 0:
		// Рестарт во время fan-in: дети уже завершены
		if err := e.transition(ne, domain.StatusWaiting); err == nil {
			e.checkChildren(ne)
		}
	case ne.Mode == domain.ModeChildChain && len(children) > 0:
		step, in, ok := e.stepInput(ne)
		if !ok {
			return
		}
		e.nextChild(ne, step.(steps.ChildChainExecutable), in, ne.ChainRound+1, children[len(children)-1])
	default:
		e.logger.Warn("re-invoking node interrupted by restart", "node_execution_id", ne.ID, "node_id", ne.NodeID)
		e.execute(ne)
	}
}

// recoverWaiting снова подписывает ожидающий узел или проверяет его детей.
func (e *execution) recoverWaiting(ne *domain.NodeExecution) {
	switch ne.Mode {
	case domain.ModeAsync, domain.ModeTask, domain.ModeTaskChain:
		e.results[ne.ID] = make(map[string]*domain.Notification, len(ne.CorrelationIDs))
		e.subscribe(ne)
		if ne.Mode == domain.ModeAsync {
			e.rearm(ne)
		}

	case domain.ModeChildren:
		e.checkChildren(ne)

	case domain.ModeChildChain:
		children := e.children(ne.ID)
		for _, child := range children {
			if !child.IsTerminal() {
				return
			}
		}
		if len(children) == 0 {
			// Рестарт до создания первого ребёнка: цепочка начинается заново
			if err := e.transition(ne, domain.StatusRunning); err != nil {
				return
			}
			ne.PassThroughData = nil
			step, in, ok := e.stepInput(ne)
			if !ok {
				return
			}
			e.nextChild(ne, step.(steps.ChildChainExecutable), in, 0, nil)
			return
		}
		e.onChildBranchEnd(ne, children[len(children)-1])
	}
}

// rearm повторно регистрирует ожидание шага, чьё состояние живёт вне
// координатора. Уведомление, отправленное до рестарта, не доживает до
// подписки, поэтому шаг должен прислать его снова.
func (e *execution) rearm(ne *domain.NodeExecution) {
	step, in, ok := e.stepInput(ne)
	if !ok {
		return
	}
	r, ok := step.(steps.Rearmable)
	if !ok {
		return
	}
	if err := r.Rearm(e.ctx, in); err != nil {
		e.logger.Warn("failed to rearm waiting node", "node_execution_id", ne.ID, "error", err)
	}
}

// stepInput возвращает шаг и вход узла; при ошибке узел завершается.
func (e *execution) stepInput(ne *domain.NodeExecution) (steps.Step, *steps.Input, bool) {
	step, err := e.c.steps.Get(e.nodeOf(ne).StepType)
	if err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "%v", err))
		return nil, nil, false
	}
	in, err := e.input(ne)
	if err != nil {
		e.complete(ne, domain.Failed(domain.FailureConfiguration, "render parameters: %v", err))
		return nil, nil, false
	}
	return step, in, true
}

// releaseOrphanedRestraints отпускает заявки, чьи владельцы уже
// завершились: процесс мог упасть между освобождением ресурса и записью
// терминального статуса узла или плана.
func (c *Coordinator) releaseOrphanedRestraints(ctx context.Context) {
	if c.restraints == nil {
		return
	}
	n, err := c.restraints.ReleaseOrphans(ctx, c.entityFinished)
	if err != nil {
		c.logger.Error("failed to release orphaned restraints", "error", err)
		return
	}
	if n > 0 {
		c.logger.Warn("released restraints of finished holders", "entities", n)
	}
}

// entityFinished сообщает, завершена ли сущность, к которой привязаны
// заявки: выполнение плана (UUID) или выполнение узла (ULID).
// Неизвестная сущность считается живой.
func (c *Coordinator) entityFinished(ctx context.Context, entityID string) (bool, error) {
	if id, err := uuid.Parse(entityID); err == nil {
		pe, err := c.executions.Get(ctx, id)
		if err == nil {
			return pe.IsFinished(), nil
		}
		if !errors.Is(err, ErrPlanExecutionNotFound) {
			return false, err
		}
	}

	ne, err := c.nodes.Get(ctx, entityID)
	if errors.Is(err, ErrNodeExecutionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ne.IsTerminal(), nil
}
