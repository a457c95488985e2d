package engine

import (
	"context"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// RecoverActiveRuns reloads every non-terminal run after a restart. Parked
// user nodes get their timeout timers re-armed from the persisted dispatch
// time, and pending instances whose predecessors had already arrived are
// dispatched, which closes the crash window between a committed fan-out and
// its submissions. Instances marked running are left alone: their dispatch
// was committed before the crash, so re-submitting would break the
// at-most-once guarantee. A worker that never reports back is resolved by a
// failure callback and a retry.
func (e *Engine) RecoverActiveRuns(ctx context.Context) error {
	runs, err := e.storage.ListRuns()
	if err != nil {
		return err
	}

	recovered := 0
	for _, run := range runs {
		if run.Terminal() {
			continue
		}

		g, err := e.getGraph(run.GraphRef)
		if err != nil {
			e.logger.Error("recovery skipped run with unknown graph", "run_id", run.ID, "graph_ref", run.GraphRef, "error", err)
			continue
		}

		for key, state := range run.Nodes {
			switch state.Status {
			case domain.NodeStatusPending:
				if state.Arrived < g.RequiredPredecessors(domain.BaseNodeID(key)) {
					continue
				}
				if err := e.progressNode(ctx, g, run.ID, key, nil, 0); err != nil {
					e.logger.Error("recovery dispatch failed", "run_id", run.ID, "node_key", key, "error", err)
				}

			case domain.NodeStatusWaitingUser:
				node, ok := g.Node(domain.BaseNodeID(key))
				if !ok || node.Type != domain.NodeTypeUser || node.User.TimeoutSeconds <= 0 {
					continue
				}
				if state.DispatchedAt == nil {
					continue
				}
				deadline := state.DispatchedAt.Add(time.Duration(node.User.TimeoutSeconds) * time.Second)
				e.timers.arm(run.ID, key, deadline)
				e.logger.Info("user task timer re-armed", "run_id", run.ID, "node_key", key, "deadline", deadline)
			}
		}

		e.metrics.IncrementRunsRecovered()
		recovered++
	}

	if recovered > 0 {
		e.logger.Info("active runs recovered", "count", recovered)
	}
	return nil
}
