package domain

import (
	"runtime"
	"strconv"
	"time"
)

type RunStartedEvent struct {
	RunID      string    `json:"run_id"`
	GraphRef   string    `json:"graph_ref"`
	EntityID   string    `json:"entity_id,omitempty"`
	Trigger    Trigger   `json:"trigger"`
	EntryNodes []string  `json:"entry_nodes"`
	StartedAt  time.Time `json:"started_at"`
}

type RunCompletedEvent struct {
	RunID       string                            `json:"run_id"`
	GraphRef    string                            `json:"graph_ref"`
	EntityID    string                            `json:"entity_id,omitempty"`
	Trigger     Trigger                           `json:"trigger"`
	Outputs     map[string]map[string]interface{} `json:"outputs,omitempty"`
	CompletedAt time.Time                         `json:"completed_at"`
	Duration    time.Duration                     `json:"duration"`
}

type RunFailedEvent struct {
	RunID      string    `json:"run_id"`
	GraphRef   string    `json:"graph_ref"`
	EntityID   string    `json:"entity_id,omitempty"`
	FailedNode string    `json:"failed_node"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

type NodeCompletedEvent struct {
	RunID       string                 `json:"run_id"`
	NodeKey     string                 `json:"node_key"`
	Output      map[string]interface{} `json:"output,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

type NodeFailedEvent struct {
	RunID    string    `json:"run_id"`
	NodeKey  string    `json:"node_key"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// UserTaskCreatedEvent fires when a run parks on a user node; the consuming
// product renders the prompt and later completes the node via callback.
type UserTaskCreatedEvent struct {
	RunID     string                 `json:"run_id"`
	NodeKey   string                 `json:"node_key"`
	EntityID  string                 `json:"entity_id,omitempty"`
	Prompt    string                 `json:"prompt,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	TimeoutAt *time.Time             `json:"timeout_at,omitempty"`
}

type EntityAdvancedEvent struct {
	EntityID   string    `json:"entity_id"`
	GraphRef   string    `json:"graph_ref"`
	FromNodeID string    `json:"from_node_id,omitempty"`
	ToNodeID   string    `json:"to_node_id"`
	RunID      string    `json:"run_id,omitempty"`
	AdvancedAt time.Time `json:"advanced_at"`
}

type JourneyEndedEvent struct {
	EntityID string    `json:"entity_id"`
	GraphRef string    `json:"graph_ref"`
	NodeID   string    `json:"node_id"`
	RunID    string    `json:"run_id,omitempty"`
	EndedAt  time.Time `json:"ended_at"`
}

type NodePanicError struct {
	RunID       string      `json:"run_id"`
	NodeKey     string      `json:"node_key"`
	PanicValue  interface{} `json:"panic_value"`
	StackTrace  string      `json:"stack_trace"`
	Timestamp   time.Time   `json:"timestamp"`
	RecoveredAt string      `json:"recovered_at"`
}

func (e *NodePanicError) Error() string {
	return "node execution panicked: " + e.NodeKey
}

func NewPanicError(runID, nodeKey string, panicValue interface{}) *NodePanicError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	pc, file, line, ok := runtime.Caller(2)
	recoveredAt := "unknown"
	if ok {
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			recoveredAt = fn.Name() + " at " + file + ":" + strconv.Itoa(line)
		}
	}

	return &NodePanicError{
		RunID:       runID,
		NodeKey:     nodeKey,
		PanicValue:  panicValue,
		StackTrace:  string(buf[:n]),
		Timestamp:   time.Now(),
		RecoveredAt: recoveredAt,
	}
}
