package coordinator

import (
	"fmt"
	"strings"

	"github.com/shaiso/Relay/internal/domain"
	"github.com/shaiso/Relay/internal/events"
	"github.com/shaiso/Relay/internal/telemetry"
)

// applyInterrupt применяет interrupt внутри цикла выполнения.
//
// Узловые interrupt'ы:
//   - ABORT — прерывает узел и потомков, адвайзеры не участвуют
//   - EXPIRE — истечение таймаута; результат EXPIRED проходит через адвайзеров
//   - RETRY, IGNORE — решение оператора по узлу на паузе INTERVENTION
//   - MARK_SUCCESS, MARK_FAILED — принудительный итог узла
//
// Плановые: ABORT_ALL, PAUSE_ALL, RESUME_ALL.
func (e *execution) applyInterrupt(intr domain.Interrupt) error {
	if e.pe.IsFinished() {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, e.pe.ID, e.pe.Status)
	}

	telemetry.Interrupts.WithLabelValues(string(intr.Type), string(intr.Source)).Inc()
	e.logger.Info("interrupt received",
		"type", intr.Type,
		"source", intr.Source,
		"node_execution_id", intr.NodeExecutionID,
		"reason", intr.Reason,
	)

	reason := intr.Reason
	if reason == "" {
		reason = fmt.Sprintf("%s by %s", strings.ToLower(string(intr.Type)), strings.ToLower(string(intr.Source)))
	}

	switch intr.Type {
	case domain.InterruptAbortAll:
		e.endPlan(domain.PlanStatusAborted, reason)
		return nil
	case domain.InterruptPauseAll:
		return e.pausePlan()
	case domain.InterruptResumeAll:
		return e.resumePlan()
	}

	ne, ok := e.nodes[intr.NodeExecutionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeExecutionNotFound, intr.NodeExecutionID)
	}
	if ne.IsTerminal() {
		return fmt.Errorf("%w: node execution %s is already %s", ErrInvalidInterrupt, ne.ID, ne.Status)
	}

	switch intr.Type {
	case domain.InterruptAbort:
		e.abortNode(ne, reason)
		e.branchEnded(ne)

	case domain.InterruptExpire:
		return e.expireNode(ne, reason)

	case domain.InterruptRetry:
		if err := requireIntervention(ne, intr.Type); err != nil {
			return err
		}
		if e.finalize(ne, pendingStatus(ne), nil) {
			e.retry(ne, 0)
		}

	case domain.InterruptIgnore:
		if err := requireIntervention(ne, intr.Type); err != nil {
			return err
		}
		ne.FailureIgnored = true
		if e.finalize(ne, pendingStatus(ne), nil) {
			e.continueBranch(ne, e.nodeOf(ne).Next)
		}

	case domain.InterruptMarkSuccess:
		e.markNode(ne, domain.StatusSucceeded, reason)

	case domain.InterruptMarkFailed:
		e.markNode(ne, domain.StatusFailed, reason)

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInterrupt, intr.Type)
	}
	return nil
}

func requireIntervention(ne *domain.NodeExecution, t domain.InterruptType) error {
	if ne.Status != domain.StatusPaused {
		return fmt.Errorf("%w: %s requires a paused node, %s is %s", ErrInvalidInterrupt, t, ne.ID, ne.Status)
	}
	return nil
}

// pendingStatus — статус, который узел получил бы без паузы.
func pendingStatus(ne *domain.NodeExecution) domain.Status {
	if ne.PendingStatus.IsFailure() {
		return ne.PendingStatus
	}
	return domain.StatusFailed
}

// expireNode завершает узел по таймауту. Потомки и внешняя работа
// прерываются, а сам EXPIRED проходит через адвайзеров: Retry может
// перезапустить узел.
func (e *execution) expireNode(ne *domain.NodeExecution, reason string) error {
	if ne.Status == domain.StatusQueued {
		return fmt.Errorf("%w: node execution %s has not started", ErrInvalidInterrupt, ne.ID)
	}

	for _, child := range e.children(ne.ID) {
		if !child.IsTerminal() {
			e.abortNode(child, "parent expired")
		}
	}
	e.stopWork(ne)
	e.abortStep(ne)

	if ne.Status == domain.StatusPaused {
		if err := e.transition(ne, domain.StatusRunning); err != nil {
			return err
		}
	}
	e.complete(ne, &domain.StepResponse{
		Status:  domain.StatusExpired,
		Failure: &domain.FailureInfo{Kind: domain.FailureTimeout, Message: reason},
	})
	return nil
}

// markNode задаёт итог узла вместо шага.
func (e *execution) markNode(ne *domain.NodeExecution, to domain.Status, reason string) {
	for _, child := range e.children(ne.ID) {
		if !child.IsTerminal() {
			e.abortNode(child, reason)
		}
	}
	working := ne.Status == domain.StatusRunning || ne.Status == domain.StatusWaiting
	e.stopWork(ne)
	if working {
		e.abortStep(ne)
	}

	if ne.Status != domain.StatusRunning {
		if err := e.transition(ne, domain.StatusRunning); err != nil {
			return
		}
	}

	if to.IsFailure() {
		ne.Failure = &domain.FailureInfo{Kind: domain.FailureApplication, Message: reason}
	} else {
		ne.Failure = nil
		ne.FailureIgnored = false
	}
	if !e.finalize(ne, to, nil) {
		return
	}

	if to.IsPositive() {
		e.continueBranch(ne, e.nodeOf(ne).Next)
		return
	}
	e.branchEnded(ne)
}

// pausePlan останавливает активацию новых узлов и таймауты плана.
// Уже работающие шаги доводятся до конца.
func (e *execution) pausePlan() error {
	if e.pe.Status != domain.PlanStatusRunning {
		return fmt.Errorf("%w: plan execution is %s", ErrInvalidInterrupt, e.pe.Status)
	}

	from := e.pe.Status
	e.pe.MarkPaused()
	if !e.updatePlanExecution() {
		return ErrCoordinatorStopped
	}
	e.c.timeouts.PausePlan(e.ctx, e.pe.ID)
	e.c.emit(events.PlanEvent(e.pe, from, e.c.now()))

	e.logger.Info("plan execution paused")
	return nil
}

// resumePlan снимает паузу и активирует отложенные узлы.
func (e *execution) resumePlan() error {
	if e.pe.Status != domain.PlanStatusPaused {
		return fmt.Errorf("%w: plan execution is %s", ErrInvalidInterrupt, e.pe.Status)
	}

	from := e.pe.Status
	e.pe.MarkRunning()
	if !e.updatePlanExecution() {
		return ErrCoordinatorStopped
	}
	e.c.timeouts.ResumePlan(e.ctx, e.pe.ID)
	e.c.emit(events.PlanEvent(e.pe, from, e.c.now()))

	deferred := e.deferred
	e.deferred = nil
	for _, id := range deferred {
		id := id
		e.post(func() { e.activate(id) })
	}

	e.logger.Info("plan execution resumed", "deferred_nodes", len(deferred))
	return nil
}
