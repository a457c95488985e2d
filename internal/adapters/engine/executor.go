package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// arrival carries a predecessor's output across an edge: the payload plus
// the edge mapping that projects it onto the target.
type arrival struct {
	mapping map[string]string
	payload map[string]interface{}
}

// actionPlan records what a committed transition requires outside the lock:
// the task to submit, events to broadcast, branch instances to dispatch, and
// any run-level status change. The update closure rebuilds it from scratch on
// every attempt so conflict retries never replay stale side effects.
type actionPlan struct {
	waiting   bool
	completed bool
	failed    bool
	submit    *ports.WorkerTask
	userTask  bool
	timeoutAt *time.Time
	branches  []branchPayload
	instances []string

	statusChanged bool
	statusTo      domain.RunStatus
}

type branchPayload struct {
	idx     int
	payload map[string]interface{}
}

// progressNode applies one transition to a node instance under its lock.
// With an arrival it first merges the incoming payload (or records a
// collector arrival), then dispatches if the instance has now heard from
// every required predecessor. With a nil arrival it dispatches an instance
// that is already eligible, which covers entry nodes, splitter branches, and
// recovery nudges. Duplicate calls find a non-pending instance and no-op, so
// an instance is dispatched at most once no matter how many walkers reach it.
func (e *Engine) progressNode(ctx context.Context, g *domain.ExecutionGraph, runID, key string, arr *arrival, depth int) error {
	if depth > e.config.MaxAdvanceDepth {
		return domain.NewInternalError("advance depth exceeded at "+key, nil)
	}

	baseID := domain.BaseNodeID(key)
	node, ok := g.Node(baseID)
	if !ok {
		return domain.NewNotFoundError("node", baseID)
	}

	var plan actionPlan
	e.locks.lock(runID, key)
	run, err := e.updateRun(ctx, runID, func(run *domain.Run) error {
		plan = actionPlan{}
		state := run.Node(key)

		if arr != nil {
			if state.Status != domain.NodeStatusPending {
				return errUnchanged
			}
			mapped, err := domain.MappedFields(arr.mapping, arr.payload)
			if err != nil {
				return err
			}
			if node.Type == domain.NodeTypeCollector {
				state.ArrivedOutputs = append(state.ArrivedOutputs, mapped)
			} else {
				merged, err := domain.MergeFields(state.Input, mapped)
				if err != nil {
					return err
				}
				state.Input = merged
			}
			state.Arrived++
		}

		if state.Status != domain.NodeStatusPending {
			return errUnchanged
		}
		if state.Arrived < g.RequiredPredecessors(baseID) {
			if arr == nil {
				return errUnchanged
			}
			plan.waiting = true
			return nil
		}

		if err := e.planDispatch(g, run, node, key, state, &plan); err != nil {
			return err
		}
		e.refreshRunStatus(g, run, &plan)
		return nil
	})
	e.locks.unlock(runID, key)

	if err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	if plan.waiting {
		return nil
	}
	return e.applyPlan(ctx, g, run, key, plan, depth)
}

// planDispatch applies the type-specific transition for an instance that is
// ready to execute. Workers and user nodes park the instance and defer the
// real work; sections, collectors, and splitters complete inside the write.
func (e *Engine) planDispatch(g *domain.ExecutionGraph, run *domain.Run, node domain.Node, key string, state *domain.NodeState, plan *actionPlan) error {
	now := time.Now()

	switch node.Type {
	case domain.NodeTypeWorker:
		state.Status = domain.NodeStatusRunning
		state.DispatchedAt = &now
		state.Attempt++
		task, err := e.buildTask(run, node, key, state)
		if err != nil {
			return err
		}
		plan.submit = task

	case domain.NodeTypeUser:
		state.Status = domain.NodeStatusWaitingUser
		state.DispatchedAt = &now
		plan.userTask = true
		if node.User.TimeoutSeconds > 0 {
			deadline := now.Add(time.Duration(node.User.TimeoutSeconds) * time.Second)
			plan.timeoutAt = &deadline
		}

	case domain.NodeTypeSection:
		output, err := domain.CloneFields(state.Input)
		if err != nil {
			return err
		}
		state.Status = domain.NodeStatusCompleted
		state.CompletedAt = &now
		state.Output = output
		plan.completed = true

	case domain.NodeTypeCollector:
		state.Status = domain.NodeStatusCompleted
		state.CompletedAt = &now
		state.Output = map[string]interface{}{
			node.Collector.CollectInto(): append([]interface{}{}, state.ArrivedOutputs...),
		}
		plan.completed = true

	case domain.NodeTypeSplitter:
		return e.planSplit(g, run, node, key, state, plan)

	default:
		return domain.NewInternalError("dispatch node "+key, fmt.Errorf("unknown node type %q", node.Type))
	}
	return nil
}

// planSplit completes a splitter and materializes its fan-out in the same
// write: one pending branch instance per element for each non-collector
// target, input already mapped and counted as arrived. Collector targets are
// fed after commit, one arrival per element, through the normal path.
func (e *Engine) planSplit(g *domain.ExecutionGraph, run *domain.Run, node domain.Node, key string, state *domain.NodeState, plan *actionPlan) error {
	now := time.Now()
	field := node.Splitter.ItemsField

	raw, ok := state.Input[field]
	if !ok {
		state.Status = domain.NodeStatusFailed
		state.CompletedAt = &now
		state.Error = fmt.Sprintf("splitter field %q missing from input", field)
		plan.failed = true
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		state.Status = domain.NodeStatusFailed
		state.CompletedAt = &now
		state.Error = fmt.Sprintf("splitter field %q is not an array", field)
		plan.failed = true
		return nil
	}

	state.Status = domain.NodeStatusCompleted
	state.CompletedAt = &now
	state.Output = map[string]interface{}{"elements": len(items)}
	plan.completed = true

	plan.branches = make([]branchPayload, 0, len(items))
	for idx, item := range items {
		payload, ok := item.(map[string]interface{})
		if ok {
			cloned, err := domain.CloneFields(payload)
			if err != nil {
				return err
			}
			payload = cloned
		} else {
			payload = map[string]interface{}{"item": item}
		}
		plan.branches = append(plan.branches, branchPayload{idx: idx, payload: payload})
	}

	for _, edge := range g.SystemOutgoing(node.ID) {
		target, ok := g.Node(edge.Target)
		if !ok || target.Type == domain.NodeTypeCollector {
			continue
		}
		for _, branch := range plan.branches {
			mapped, err := domain.MappedFields(edge.Mapping, branch.payload)
			if err != nil {
				return err
			}
			instanceKey := domain.BranchKey(edge.Target, branch.idx)
			instance := run.Node(instanceKey)
			merged, err := domain.MergeFields(instance.Input, mapped)
			if err != nil {
				return err
			}
			instance.Input = merged
			instance.Arrived++
			plan.instances = append(plan.instances, instanceKey)
		}
	}
	return nil
}

func (e *Engine) buildTask(run *domain.Run, node domain.Node, key string, state *domain.NodeState) (*ports.WorkerTask, error) {
	input, err := domain.CloneFields(state.Input)
	if err != nil {
		return nil, err
	}
	task := &ports.WorkerTask{
		RunID:    run.ID,
		NodeKey:  key,
		GraphRef: run.GraphRef,
		EntityID: run.EntityID,
		Attempt:  state.Attempt,
		Worker:   *node.Worker,
		Input:    input,
	}
	if node.Worker.Endpoint != "" && node.Worker.Mode == domain.CompletionAsync && e.config.CallbackBaseURL != "" {
		task.CallbackURL = callbackURL(e.config.CallbackBaseURL, run.ID, key)
	}
	return task, nil
}

func callbackURL(base, runID, nodeKey string) string {
	return strings.TrimRight(base, "/") +
		"/v1/runs/" + url.PathEscape(runID) +
		"/nodes/" + url.PathEscape(nodeKey) + "/callback"
}

// refreshRunStatus recomputes the run-level status after a node transition
// and stamps the completion time the moment the run turns terminal.
func (e *Engine) refreshRunStatus(g *domain.ExecutionGraph, run *domain.Run, plan *actionPlan) {
	prev := run.Status
	next := domain.DeriveRunStatus(g, run)
	if next == prev {
		return
	}
	run.Status = next
	if run.Terminal() && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}
	plan.statusChanged = true
	plan.statusTo = next
}

// applyPlan performs the side effects of a committed transition: submitting
// worker tasks, broadcasting events, arming timers, and walking onward from
// instances that completed inside the engine. It runs outside the instance
// lock because it re-enters progressNode for downstream keys.
func (e *Engine) applyPlan(ctx context.Context, g *domain.ExecutionGraph, run *domain.Run, key string, plan actionPlan, depth int) error {
	state := run.Nodes[key]

	switch {
	case plan.submit != nil:
		e.metrics.IncrementNodesDispatched()
		e.logger.Debug("worker dispatched", "run_id", run.ID, "node_key", key, "attempt", plan.submit.Attempt)
		if err := e.dispatcher.Submit(*plan.submit); err != nil {
			e.logger.Error("worker submit failed", "run_id", run.ID, "node_key", key, "error", err)
			return e.failNode(ctx, g, run.ID, key, "dispatch failed: "+err.Error(), depth)
		}

	case plan.userTask:
		e.metrics.IncrementNodesDispatched()
		e.metrics.IncrementUserTasksCreated()
		node, _ := g.Node(domain.BaseNodeID(key))
		e.broadcast(&domain.UserTaskCreatedEvent{
			RunID:     run.ID,
			NodeKey:   key,
			EntityID:  run.EntityID,
			Prompt:    node.User.Prompt,
			Input:     state.Input,
			CreatedAt: timeOrNow(state.DispatchedAt),
			TimeoutAt: plan.timeoutAt,
		})
		if plan.timeoutAt != nil {
			e.timers.arm(run.ID, key, *plan.timeoutAt)
		}
		e.logger.Info("user task created", "run_id", run.ID, "node_key", key)

	case plan.failed:
		e.metrics.IncrementNodesFailed()
		e.logger.Warn("node failed", "run_id", run.ID, "node_key", key, "error", state.Error)
		e.broadcast(&domain.NodeFailedEvent{
			RunID:    run.ID,
			NodeKey:  key,
			Error:    state.Error,
			FailedAt: timeOrNow(state.CompletedAt),
		})

	case plan.completed:
		e.metrics.IncrementNodesSucceeded()
		completedAt := timeOrNow(state.CompletedAt)
		var duration time.Duration
		if state.DispatchedAt != nil {
			duration = completedAt.Sub(*state.DispatchedAt)
		}
		e.broadcast(&domain.NodeCompletedEvent{
			RunID:       run.ID,
			NodeKey:     key,
			Output:      state.Output,
			CompletedAt: completedAt,
			Duration:    duration,
		})
	}

	e.emitRunTransition(g, run, key, plan)

	if plan.completed {
		node, _ := g.Node(domain.BaseNodeID(key))
		if node.Type == domain.NodeTypeSplitter {
			return e.fanOut(ctx, g, run.ID, node, plan, depth)
		}
		return e.advance(ctx, g, run.ID, key, state.Output, depth+1)
	}
	return nil
}

// failNode marks an instance failed outside the normal completion paths,
// used when a committed dispatch cannot be handed to the worker pool.
func (e *Engine) failNode(ctx context.Context, g *domain.ExecutionGraph, runID, key, message string, depth int) error {
	var plan actionPlan
	e.locks.lock(runID, key)
	run, err := e.updateRun(ctx, runID, func(run *domain.Run) error {
		plan = actionPlan{}
		state := run.Node(key)
		if state.Terminal() {
			return errUnchanged
		}
		now := time.Now()
		state.Status = domain.NodeStatusFailed
		state.CompletedAt = &now
		state.Error = message
		plan.failed = true
		e.refreshRunStatus(g, run, &plan)
		return nil
	})
	e.locks.unlock(runID, key)

	if err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	return e.applyPlan(ctx, g, run, key, plan, depth)
}

func (e *Engine) emitRunTransition(g *domain.ExecutionGraph, run *domain.Run, key string, plan actionPlan) {
	if !plan.statusChanged {
		return
	}

	switch plan.statusTo {
	case domain.RunStatusCompleted:
		completedAt := timeOrNow(run.CompletedAt)
		duration := completedAt.Sub(run.StartedAt)
		e.metrics.IncrementRunsCompleted()
		e.metrics.AddExecutionTime(duration)
		e.logger.Info("run completed", "run_id", run.ID, "graph_ref", run.GraphRef, "duration", duration)
		e.broadcast(&domain.RunCompletedEvent{
			RunID:       run.ID,
			GraphRef:    run.GraphRef,
			EntityID:    run.EntityID,
			Trigger:     run.Trigger,
			Outputs:     domain.TerminalOutputs(g, run),
			CompletedAt: completedAt,
			Duration:    duration,
		})

	case domain.RunStatusFailed:
		errMsg := ""
		if state := run.Nodes[key]; state != nil {
			errMsg = state.Error
		}
		e.metrics.IncrementRunsFailed()
		e.logger.Warn("run failed", "run_id", run.ID, "graph_ref", run.GraphRef, "failed_node", key, "error", errMsg)
		e.broadcast(&domain.RunFailedEvent{
			RunID:      run.ID,
			GraphRef:   run.GraphRef,
			EntityID:   run.EntityID,
			FailedNode: key,
			Error:      errMsg,
			FailedAt:   timeOrNow(run.CompletedAt),
		})

	default:
		e.logger.Debug("run status changed", "run_id", run.ID, "status", plan.statusTo)
	}
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}
