package domain

import "context"

type contextKey string

const RunContextKey contextKey = "weft:run_context"

// RunContext identifies the node instance a handler invocation belongs to.
// Local handlers read it from their context when they need to emit callbacks
// or log against the owning run.
type RunContext struct {
	RunID    string `json:"run_id"`
	GraphRef string `json:"graph_ref"`
	NodeKey  string `json:"node_key"`
	EntityID string `json:"entity_id,omitempty"`
	Attempt  int    `json:"attempt"`
}

func WithRunContext(ctx context.Context, runCtx *RunContext) context.Context {
	return context.WithValue(ctx, RunContextKey, runCtx)
}

func GetRunContext(ctx context.Context) (*RunContext, bool) {
	runCtx, ok := ctx.Value(RunContextKey).(*RunContext)
	return runCtx, ok
}
