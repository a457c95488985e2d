package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// HandlerFunc is a locally registered worker implementation. Input is the
// merged field map the node received; the returned map becomes the node
// output verbatim.
type HandlerFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

type WorkerRegistry interface {
	Register(name string, handler HandlerFunc) error
	Unregister(name string) error
	Get(name string) (HandlerFunc, bool)
	List() []string
}

// Dispatcher executes worker node instances off the caller's goroutine.
// Submit enqueues and returns immediately; outcomes are delivered through
// the completion sink the adapter was constructed with, or through an
// external callback for async endpoint workers.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop() error
	Submit(task WorkerTask) error
	Running() int
}

type WorkerTask struct {
	RunID       string                 `json:"run_id"`
	NodeKey     string                 `json:"node_key"`
	GraphRef    string                 `json:"graph_ref"`
	EntityID    string                 `json:"entity_id,omitempty"`
	Attempt     int                    `json:"attempt"`
	Worker      domain.WorkerConfig    `json:"worker"`
	Input       map[string]interface{} `json:"input,omitempty"`
	CallbackURL string                 `json:"callback_url,omitempty"`
}

// CompletionSink receives the terminal outcome of a dispatched task.
type CompletionSink func(ctx context.Context, cb CallbackRequest)
