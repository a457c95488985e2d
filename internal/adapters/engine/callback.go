package engine

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// HandleCallback applies the reported outcome of a worker instance. Delivery
// is at-least-once: a callback that matches the recorded terminal outcome is
// acknowledged as a no-op, one that contradicts it is rejected, so retried
// deliveries never corrupt a settled node.
func (e *Engine) HandleCallback(ctx context.Context, cb ports.CallbackRequest) error {
	if !e.isRunning() {
		return domain.ErrNotStarted
	}
	if cb.RunID == "" || cb.NodeKey == "" {
		return domain.NewValidationError("callback", "run_id and node_key are required")
	}
	if !cb.Success && cb.Error == "" {
		cb.Error = "worker reported failure"
	}

	current, err := e.storage.GetRun(cb.RunID)
	if err != nil {
		return err
	}
	g, err := e.getGraph(current.GraphRef)
	if err != nil {
		return err
	}

	baseID := domain.BaseNodeID(cb.NodeKey)
	node, ok := g.Node(baseID)
	if !ok {
		return domain.NewNotFoundError("node", cb.NodeKey)
	}
	if node.Type != domain.NodeTypeWorker {
		return domain.NewValidationError("callback", "node "+baseID+" is not a worker")
	}

	var plan actionPlan
	e.locks.lock(cb.RunID, cb.NodeKey)
	run, err := e.updateRun(ctx, cb.RunID, func(run *domain.Run) error {
		plan = actionPlan{}
		state, ok := run.Nodes[cb.NodeKey]
		if !ok {
			return domain.NewNotFoundError("node", cb.NodeKey)
		}

		switch state.Status {
		case domain.NodeStatusRunning:

		case domain.NodeStatusCompleted:
			if cb.Success {
				return errUnchanged
			}
			return domain.NewInvalidTransitionError("node "+cb.NodeKey,
				string(state.Status), string(domain.NodeStatusFailed))

		case domain.NodeStatusFailed:
			if !cb.Success {
				return errUnchanged
			}
			return domain.NewInvalidTransitionError("node "+cb.NodeKey,
				string(state.Status), string(domain.NodeStatusCompleted))

		default:
			target := domain.NodeStatusCompleted
			if !cb.Success {
				target = domain.NodeStatusFailed
			}
			return domain.NewInvalidTransitionError("node "+cb.NodeKey,
				string(state.Status), string(target))
		}

		now := time.Now()
		state.CompletedAt = &now
		if cb.Success {
			output, err := domain.CloneFields(cb.Output)
			if err != nil {
				return err
			}
			state.Status = domain.NodeStatusCompleted
			state.Output = output
			state.Error = ""
			plan.completed = true
		} else {
			state.Status = domain.NodeStatusFailed
			state.Error = cb.Error
			plan.failed = true
		}
		e.refreshRunStatus(g, run, &plan)
		return nil
	})
	e.locks.unlock(cb.RunID, cb.NodeKey)

	if err != nil {
		if errors.Is(err, errUnchanged) {
			e.metrics.IncrementCallbacksDuplicate()
			e.logger.Debug("duplicate callback ignored", "run_id", cb.RunID, "node_key", cb.NodeKey, "success", cb.Success)
			return nil
		}
		if domain.IsInvalidTransitionError(err) {
			e.metrics.IncrementCallbacksRejected()
			e.logger.Warn("callback rejected", "run_id", cb.RunID, "node_key", cb.NodeKey, "error", err)
		}
		return err
	}

	e.metrics.IncrementCallbacksAccepted()
	return e.applyPlan(ctx, g, run, cb.NodeKey, plan, 0)
}

// RetryNode re-dispatches a failed instance with the input it failed with.
// The reset and the fresh dispatch land in one write, so a concurrent retry
// of the same instance observes either the failed state or the new attempt,
// never a half reset.
func (e *Engine) RetryNode(ctx context.Context, runID, nodeKey string) error {
	if !e.isRunning() {
		return domain.ErrNotStarted
	}

	current, err := e.storage.GetRun(runID)
	if err != nil {
		return err
	}
	g, err := e.getGraph(current.GraphRef)
	if err != nil {
		return err
	}
	node, ok := g.Node(domain.BaseNodeID(nodeKey))
	if !ok {
		return domain.NewNotFoundError("node", nodeKey)
	}

	var plan actionPlan
	e.locks.lock(runID, nodeKey)
	run, err := e.updateRun(ctx, runID, func(run *domain.Run) error {
		plan = actionPlan{}
		state, ok := run.Nodes[nodeKey]
		if !ok {
			return domain.NewNotFoundError("node", nodeKey)
		}
		if state.Status != domain.NodeStatusFailed {
			return domain.NewInvalidTransitionError("node "+nodeKey,
				string(state.Status), string(domain.NodeStatusPending))
		}

		state.Status = domain.NodeStatusPending
		state.Error = ""
		state.Output = nil
		state.DispatchedAt = nil
		state.CompletedAt = nil

		if err := e.planDispatch(g, run, node, nodeKey, state, &plan); err != nil {
			return err
		}
		e.refreshRunStatus(g, run, &plan)
		return nil
	})
	e.locks.unlock(runID, nodeKey)
	if err != nil {
		return err
	}

	e.metrics.IncrementNodesRetried()
	e.logger.Info("node retried", "run_id", runID, "node_key", nodeKey)
	return e.applyPlan(ctx, g, run, nodeKey, plan, 0)
}

// CompleteUserTask records the outcome of a parked user node and advances
// past it. The write happens under the instance lock, so a completion racing
// the timeout timer settles atomically: whichever lands first wins and the
// loser finds a terminal state.
func (e *Engine) CompleteUserTask(ctx context.Context, runID, nodeKey string, output map[string]interface{}) error {
	if !e.isRunning() {
		return domain.ErrNotStarted
	}

	current, err := e.storage.GetRun(runID)
	if err != nil {
		return err
	}
	g, err := e.getGraph(current.GraphRef)
	if err != nil {
		return err
	}
	node, ok := g.Node(domain.BaseNodeID(nodeKey))
	if !ok {
		return domain.NewNotFoundError("node", nodeKey)
	}
	if node.Type != domain.NodeTypeUser {
		return domain.NewValidationError("user task", "node "+node.ID+" is not a user node")
	}

	var plan actionPlan
	e.locks.lock(runID, nodeKey)
	run, err := e.updateRun(ctx, runID, func(run *domain.Run) error {
		plan = actionPlan{}
		state, ok := run.Nodes[nodeKey]
		if !ok {
			return domain.NewNotFoundError("node", nodeKey)
		}
		if state.Status != domain.NodeStatusWaitingUser {
			return domain.NewInvalidTransitionError("node "+nodeKey,
				string(state.Status), string(domain.NodeStatusCompleted))
		}

		cloned, err := domain.CloneFields(output)
		if err != nil {
			return err
		}
		now := time.Now()
		state.Status = domain.NodeStatusCompleted
		state.CompletedAt = &now
		state.Output = cloned
		plan.completed = true
		e.refreshRunStatus(g, run, &plan)
		return nil
	})
	e.locks.unlock(runID, nodeKey)
	if err != nil {
		return err
	}

	e.timers.cancel(runID, nodeKey)
	e.metrics.IncrementUserTasksCompleted()
	e.logger.Info("user task completed", "run_id", runID, "node_key", nodeKey)
	return e.applyPlan(ctx, g, run, nodeKey, plan, 0)
}

// timeoutUserTask fires when a parked user node's deadline passes. The fail
// policy fails the instance; the default policy completes it with the node's
// configured default output and lets the run continue down that path. A
// timer that lost the race to a completion finds the node no longer waiting
// and backs off.
func (e *Engine) timeoutUserTask(runID, nodeKey string) {
	e.mu.Lock()
	running := e.running
	ctx := e.baseCtx
	e.mu.Unlock()
	if !running {
		return
	}

	current, err := e.storage.GetRun(runID)
	if err != nil {
		e.logger.Error("user task timeout lookup failed", "run_id", runID, "node_key", nodeKey, "error", err)
		return
	}
	g, err := e.getGraph(current.GraphRef)
	if err != nil {
		e.logger.Error("user task timeout lookup failed", "run_id", runID, "node_key", nodeKey, "error", err)
		return
	}
	node, ok := g.Node(domain.BaseNodeID(nodeKey))
	if !ok || node.Type != domain.NodeTypeUser {
		return
	}

	var plan actionPlan
	e.locks.lock(runID, nodeKey)
	run, err := e.updateRun(ctx, runID, func(run *domain.Run) error {
		plan = actionPlan{}
		state, ok := run.Nodes[nodeKey]
		if !ok {
			return errUnchanged
		}
		if state.Status != domain.NodeStatusWaitingUser {
			return errUnchanged
		}

		now := time.Now()
		state.CompletedAt = &now
		if node.User.OnTimeout == domain.TimeoutDefault {
			output, err := domain.CloneFields(node.User.DefaultOutput)
			if err != nil {
				return err
			}
			state.Status = domain.NodeStatusCompleted
			state.Output = output
			plan.completed = true
		} else {
			state.Status = domain.NodeStatusFailed
			state.Error = "user task timed out"
			plan.failed = true
		}
		e.refreshRunStatus(g, run, &plan)
		return nil
	})
	e.locks.unlock(runID, nodeKey)

	if err != nil {
		if !errors.Is(err, errUnchanged) {
			e.logger.Error("user task timeout failed", "run_id", runID, "node_key", nodeKey, "error", err)
		}
		return
	}

	e.metrics.IncrementUserTasksTimedOut()
	e.logger.Info("user task timed out", "run_id", runID, "node_key", nodeKey, "policy", string(node.User.OnTimeout))
	if err := e.applyPlan(ctx, g, run, nodeKey, plan, 0); err != nil {
		e.logger.Error("user task timeout advance failed", "run_id", runID, "node_key", nodeKey, "error", err)
	}
}
