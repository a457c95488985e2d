package engine

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// advance walks the system edges leaving a completed instance and delivers
// its output to each target. A branch instance propagates its ordinal to
// non-collector targets so parallel chains stay isolated until a collector
// joins them. Failures never reach here; a failed instance stops its path.
func (e *Engine) advance(ctx context.Context, g *domain.ExecutionGraph, runID, completedKey string, output map[string]interface{}, depth int) error {
	baseID := domain.BaseNodeID(completedKey)
	idx, branch := domain.BranchIndex(completedKey)

	for _, edge := range g.SystemOutgoing(baseID) {
		target, ok := g.Node(edge.Target)
		if !ok {
			continue
		}
		targetKey := edge.Target
		if branch && target.Type != domain.NodeTypeCollector {
			targetKey = domain.BranchKey(edge.Target, idx)
		}
		if err := e.progressNode(ctx, g, runID, targetKey, &arrival{mapping: edge.Mapping, payload: output}, depth); err != nil {
			e.logger.Error("advance failed", "run_id", runID, "from", completedKey, "to", targetKey, "error", err)
		}
	}
	return nil
}

// fanOut runs after a splitter commit: branch instances were materialized in
// the same write that completed the splitter, so they only need dispatching
// here, while collector targets receive one arrival per element.
func (e *Engine) fanOut(ctx context.Context, g *domain.ExecutionGraph, runID string, node domain.Node, plan actionPlan, depth int) error {
	for _, instanceKey := range plan.instances {
		if err := e.progressNode(ctx, g, runID, instanceKey, nil, depth+1); err != nil {
			e.logger.Error("branch dispatch failed", "run_id", runID, "node_key", instanceKey, "error", err)
		}
	}

	for _, edge := range g.SystemOutgoing(node.ID) {
		target, ok := g.Node(edge.Target)
		if !ok || target.Type != domain.NodeTypeCollector {
			continue
		}
		for _, branch := range plan.branches {
			arr := &arrival{mapping: edge.Mapping, payload: branch.payload}
			if err := e.progressNode(ctx, g, runID, edge.Target, arr, depth+1); err != nil {
				e.logger.Error("collector delivery failed", "run_id", runID, "node_key", edge.Target, "error", err)
			}
		}
	}
	return nil
}
