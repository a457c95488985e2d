package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type NodeStatus string

const (
	NodeStatusPending     NodeStatus = "pending"
	NodeStatusRunning     NodeStatus = "running"
	NodeStatusCompleted   NodeStatus = "completed"
	NodeStatusFailed      NodeStatus = "failed"
	NodeStatusWaitingUser NodeStatus = "waiting_for_user"
)

// Run is one execution of a compiled graph. Nodes is keyed by node id, or by
// a branch key ("<id>#<n>") for instances created under a splitter.
type Run struct {
	ID          string                `json:"id"`
	GraphRef    string                `json:"graph_ref"`
	EntityID    string                `json:"entity_id,omitempty"`
	Trigger     Trigger               `json:"trigger"`
	Status      RunStatus             `json:"status"`
	Nodes       map[string]*NodeState `json:"nodes"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Version     int64                 `json:"version"`
}

// NodeState tracks one node instance inside a run. Input is retained after
// dispatch so a failed node can be retried with the exact same payload.
type NodeState struct {
	Status         NodeStatus             `json:"status"`
	Input          map[string]interface{} `json:"input,omitempty"`
	Output         map[string]interface{} `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Attempt        int                    `json:"attempt,omitempty"`
	Arrived        int                    `json:"arrived,omitempty"`
	ArrivedOutputs []interface{}          `json:"arrived_outputs,omitempty"`
	DispatchedAt   *time.Time             `json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

func (s *NodeState) Terminal() bool {
	return s.Status == NodeStatusCompleted || s.Status == NodeStatusFailed
}

func (r *Run) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// Node returns the state stored under key, creating a pending one on first
// touch so walkers never deal with nil entries.
func (r *Run) Node(key string) *NodeState {
	if r.Nodes == nil {
		r.Nodes = make(map[string]*NodeState)
	}
	state, ok := r.Nodes[key]
	if !ok {
		state = &NodeState{Status: NodeStatusPending}
		r.Nodes[key] = state
	}
	return state
}

// BranchKey names the idx-th instance of a node fanned out by a splitter.
func BranchKey(nodeID string, idx int) string {
	return fmt.Sprintf("%s#%d", nodeID, idx)
}

// BaseNodeID strips a branch suffix, returning the graph node id the state
// key refers to.
func BaseNodeID(key string) string {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		return key[:i]
	}
	return key
}

// BranchIndex extracts the branch ordinal from a state key, reporting whether
// the key is a branch instance at all.
func BranchIndex(key string) (int, bool) {
	i := strings.LastIndexByte(key, '#')
	if i < 0 {
		return 0, false
	}
	idx, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// InstanceKeys lists every state key in the run belonging to nodeID, whether
// the plain key or branch instances.
func (r *Run) InstanceKeys(nodeID string) []string {
	var keys []string
	if _, ok := r.Nodes[nodeID]; ok {
		keys = append(keys, nodeID)
	}
	prefix := nodeID + "#"
	for key := range r.Nodes {
		if strings.HasPrefix(key, prefix) {
			if _, branch := BranchIndex(key); branch {
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// DeriveRunStatus computes the overall status from per-node states: failed
// dominates, then completion of every terminal node, then any in-flight work.
// A terminal node reached through a splitter counts as completed only when
// every materialized branch instance has completed.
func DeriveRunStatus(g *ExecutionGraph, r *Run) RunStatus {
	for _, state := range r.Nodes {
		if state.Status == NodeStatusFailed {
			return RunStatusFailed
		}
	}

	allTerminalsDone := true
	for _, id := range g.Terminals() {
		keys := r.InstanceKeys(id)
		if len(keys) == 0 {
			allTerminalsDone = false
			break
		}
		for _, key := range keys {
			if r.Nodes[key].Status != NodeStatusCompleted {
				allTerminalsDone = false
				break
			}
		}
		if !allTerminalsDone {
			break
		}
	}
	if allTerminalsDone {
		return RunStatusCompleted
	}

	for _, state := range r.Nodes {
		if state.Status == NodeStatusRunning || state.Status == NodeStatusWaitingUser {
			return RunStatusRunning
		}
	}
	for _, state := range r.Nodes {
		if state.Status == NodeStatusCompleted {
			return RunStatusRunning
		}
	}

	return RunStatusPending
}

// TerminalOutputs collects the outputs of completed terminal nodes keyed by
// state key; this is the payload reported on run completion.
func TerminalOutputs(g *ExecutionGraph, r *Run) map[string]map[string]interface{} {
	outputs := make(map[string]map[string]interface{})
	for _, id := range g.Terminals() {
		for _, key := range r.InstanceKeys(id) {
			state := r.Nodes[key]
			if state.Status == NodeStatusCompleted && state.Output != nil {
				outputs[key] = state.Output
			}
		}
	}
	return outputs
}
