package ports

import (
	"context"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

type EnginePort interface {
	Start(ctx context.Context) error
	Stop() error

	StartRun(ctx context.Context, graphRef string, trigger domain.Trigger, entityID string) (*domain.Run, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	GetRunStatus(ctx context.Context, runID string) (*RunStatusReport, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)

	HandleCallback(ctx context.Context, cb CallbackRequest) error
	RetryNode(ctx context.Context, runID, nodeKey string) error
	CompleteUserTask(ctx context.Context, runID, nodeKey string, output map[string]interface{}) error

	RecoverActiveRuns(ctx context.Context) error
	GetExecutionMetrics() domain.ExecutionMetrics
}

// CallbackRequest reports the outcome of an async node instance. Exactly one
// of Output or Error is meaningful; Success selects which.
type CallbackRequest struct {
	RunID      string                 `json:"run_id"`
	NodeKey    string                 `json:"node_key"`
	Success    bool                   `json:"success"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

type RunFilter struct {
	GraphID  string           `json:"graph_id,omitempty"`
	EntityID string           `json:"entity_id,omitempty"`
	Status   domain.RunStatus `json:"status,omitempty"`
	Limit    int              `json:"limit,omitempty"`
}

type RunStatusReport struct {
	RunID        string                            `json:"run_id"`
	GraphRef     string                            `json:"graph_ref"`
	EntityID     string                            `json:"entity_id,omitempty"`
	Status       domain.RunStatus                  `json:"status"`
	Nodes        map[string]NodeReport             `json:"nodes"`
	FinalOutputs map[string]map[string]interface{} `json:"final_outputs,omitempty"`
	StartedAt    time.Time                         `json:"started_at"`
	CompletedAt  *time.Time                        `json:"completed_at,omitempty"`
	LastError    string                            `json:"last_error,omitempty"`
}

type NodeReport struct {
	Type         domain.NodeType        `json:"type"`
	Status       domain.NodeStatus      `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	DispatchedAt *time.Time             `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}
