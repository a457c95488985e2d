// Package weft is a durable workflow orchestration engine for Go applications.
//
// Weft executes versioned graphs of nodes (workers, user tasks, splitters,
// collectors and sections) and tracks entities moving through the user tasks
// of those graphs. It provides:
//   - Compiled, immutable graph snapshots; in-flight runs pin their version
//   - Sync and async workers (registered Go handlers or HTTP endpoints)
//   - Durable run state with crash recovery and per-node retry
//   - Journey stitching: entity position tracking across user tasks
//   - Cron schedules, typed lifecycle events, and an optional HTTP API
//   - Pluggable persistence: in-memory, BadgerDB, or Postgres
//
// Basic usage:
//
//	manager, err := weft.New("orders-1", ":8080", "./data", logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	manager.RegisterWorker("charge", chargeHandler)
//	manager.Start(context.Background())
//	defer manager.Stop()
//
//	graph, _ := manager.PublishGraph(weft.Graph{ID: "checkout", Nodes: nodes, Edges: edges})
//	run, _ := manager.StartRun(ctx, graph.Ref(), weft.Trigger{Kind: weft.TriggerManual, Source: "cli"}, "")
package weft

import (
	"context"
	"log/slog"

	"github.com/eleven-am/weft/internal/core"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Manager is the orchestration engine: it owns the storage driver, the run
// engine, the journey stitcher, and the optional scheduler and HTTP server.
type Manager = core.Manager

// HandlerFunc is a locally registered worker implementation.
type HandlerFunc = ports.HandlerFunc

// RunContext identifies the node instance a handler invocation belongs to.
type RunContext = domain.RunContext

// GetRunContext extracts run metadata from the context passed to a handler:
// the owning run, the node instance key, the pinned graph ref, the entity
// the run belongs to, and the attempt number.
//
//	func enrich(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//		if rc, ok := weft.GetRunContext(ctx); ok {
//			log.Printf("run %s node %s attempt %d", rc.RunID, rc.NodeKey, rc.Attempt)
//		}
//		// ...
//	}
func GetRunContext(ctx context.Context) (*RunContext, bool) {
	return domain.GetRunContext(ctx)
}

// Lifecycle events, subscribable through the Manager's On* methods.

// RunStartedEvent is emitted when a run begins execution.
type RunStartedEvent = domain.RunStartedEvent

// RunCompletedEvent is emitted when every terminal node of a run finishes.
type RunCompletedEvent = domain.RunCompletedEvent

// RunFailedEvent is emitted when a node failure ends a run.
type RunFailedEvent = domain.RunFailedEvent

// NodeCompletedEvent is emitted for each node instance that completes.
type NodeCompletedEvent = domain.NodeCompletedEvent

// NodeFailedEvent is emitted for each node instance that fails.
type NodeFailedEvent = domain.NodeFailedEvent

// UserTaskCreatedEvent is emitted when a user node starts waiting for input.
type UserTaskCreatedEvent = domain.UserTaskCreatedEvent

// EntityAdvancedEvent is emitted when the stitcher moves an entity forward.
type EntityAdvancedEvent = domain.EntityAdvancedEvent

// JourneyEndedEvent is emitted when an entity leaves the last user task of
// its graph.
type JourneyEndedEvent = domain.JourneyEndedEvent

// Error is the structured error returned across the public surface. Use the
// Is* predicates to classify one.
type Error = domain.Error

// ErrorType classifies an Error.
type ErrorType = domain.ErrorType

const (
	ErrorTypeValidation        = domain.ErrorTypeValidation
	ErrorTypeNotFound          = domain.ErrorTypeNotFound
	ErrorTypeInvalidTransition = domain.ErrorTypeInvalidTransition
	ErrorTypeExecution         = domain.ErrorTypeExecution
	ErrorTypeConflict          = domain.ErrorTypeConflict
	ErrorTypeRateLimit         = domain.ErrorTypeRateLimit
	ErrorTypeInternal          = domain.ErrorTypeInternal
)

// Sentinel errors surfaced by Manager operations.
var (
	ErrNotFound        = domain.ErrNotFound
	ErrVersionConflict = domain.ErrVersionConflict
	ErrAlreadyStarted  = domain.ErrAlreadyStarted
	ErrNotStarted      = domain.ErrNotStarted
	ErrInvalidInput    = domain.ErrInvalidInput
)

func IsValidationError(err error) bool { return domain.IsValidationError(err) }

func IsNotFoundError(err error) bool { return domain.IsNotFoundError(err) }

func IsInvalidTransitionError(err error) bool { return domain.IsInvalidTransitionError(err) }

func IsExecutionError(err error) bool { return domain.IsExecutionError(err) }

func IsConflictError(err error) bool { return domain.IsConflictError(err) }

// New creates a manager with the common settings spelled out. A non-empty
// dataDir selects BadgerDB persistence there, an empty one keeps state in
// memory. An empty httpAddr runs the engine without the HTTP surface.
func New(instanceID, httpAddr, dataDir string, logger *slog.Logger) (*Manager, error) {
	return core.New(instanceID, httpAddr, dataDir, logger)
}

// NewWithConfig creates a manager from a full configuration, normally built
// with DefaultConfig or NewConfigBuilder. The config is validated; a missing
// InstanceID is replaced with a generated one and a nil Logger with
// slog.Default().
func NewWithConfig(config *Config) (*Manager, error) {
	return core.NewWithConfig(config)
}

// TypedHandler wraps a handler taking a typed input and returning a typed
// output into a HandlerFunc. Input fields are decoded into I by their json
// tags; the returned O must marshal to a JSON object, which becomes the node
// output.
//
//	type ChargeInput struct {
//		SKU      string `json:"sku"`
//		Quantity int    `json:"quantity"`
//	}
//
//	manager.RegisterWorker("charge", weft.TypedHandler(
//		func(ctx context.Context, in ChargeInput) (ChargeResult, error) {
//			// ...
//		}))
func TypedHandler[I, O any](handler func(ctx context.Context, input I) (O, error)) HandlerFunc {
	return core.TypedHandler(handler)
}
