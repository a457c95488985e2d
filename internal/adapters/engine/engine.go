package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/google/uuid"
)

// errUnchanged signals from an update closure that the run needs no write.
var errUnchanged = errors.New("run unchanged")

// Engine drives runs through compiled graphs. It seeds entry nodes, walks
// system edges as instances complete, and parks runs on user nodes and async
// workers until a callback arrives. Every transition is a compare-and-swap
// write of the whole run document, serialized per node instance by nodeLocks,
// so restarts pick up exactly where the last committed write left off.
type Engine struct {
	config     domain.EngineConfig
	storage    *storage.AppStorage
	dispatcher ports.Dispatcher
	events     ports.EventManager
	logger     *slog.Logger
	metrics    *domain.ExecutionMetrics

	locks  *nodeLocks
	timers *userTimers

	graphMu sync.RWMutex
	graphs  map[string]*domain.ExecutionGraph

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ ports.EnginePort = (*Engine)(nil)

func New(config domain.EngineConfig, store *storage.AppStorage, dispatcher ports.Dispatcher, events ports.EventManager, logger *slog.Logger) *Engine {
	if config.WriteRetries <= 0 {
		config.WriteRetries = 5
	}
	if config.MaxAdvanceDepth <= 0 {
		config.MaxAdvanceDepth = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:     config,
		storage:    store,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger.With("component", "engine"),
		metrics:    domain.NewExecutionMetrics(),
		locks:      newNodeLocks(),
		graphs:     make(map[string]*domain.ExecutionGraph),
	}
	e.timers = newUserTimers(e)
	return e
}

// Start brings the engine online and runs the recovery scan, re-arming user
// task timers for every run that was parked when the process last stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	e.running = true
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	if err := e.RecoverActiveRuns(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.cancel()
		e.mu.Unlock()
		return err
	}

	e.logger.Info("engine started")
	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return domain.ErrNotStarted
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.timers.stopAll()
	cancel()

	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// StartRun creates a run of the referenced graph and dispatches its entry
// nodes. A bare graph id resolves to the latest published version. The
// returned run reflects any synchronous progress already made.
func (e *Engine) StartRun(ctx context.Context, graphRef string, trigger domain.Trigger, entityID string) (*domain.Run, error) {
	if !e.isRunning() {
		return nil, domain.ErrNotStarted
	}
	if err := trigger.Validate(); err != nil {
		return nil, err
	}

	ref := graphRef
	if !strings.Contains(ref, "@v") {
		resolved, err := e.storage.ResolveGraphRef(ref)
		if err != nil {
			return nil, err
		}
		ref = resolved
	}

	g, err := e.getGraph(ref)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run := &domain.Run{
		ID:        "run_" + uuid.NewString(),
		GraphRef:  ref,
		EntityID:  entityID,
		Trigger:   trigger,
		Status:    domain.RunStatusPending,
		Nodes:     make(map[string]*domain.NodeState),
		StartedAt: now,
	}
	for _, entry := range g.Entries() {
		input, err := domain.CloneFields(trigger.Input)
		if err != nil {
			return nil, err
		}
		run.Node(entry).Input = input
	}

	if err := e.storage.CreateRun(run); err != nil {
		return nil, err
	}

	e.metrics.IncrementRunsStarted()
	e.logger.Info("run started", "run_id", run.ID, "graph_ref", ref, "entity_id", entityID)
	e.broadcast(&domain.RunStartedEvent{
		RunID:      run.ID,
		GraphRef:   ref,
		EntityID:   entityID,
		Trigger:    trigger,
		EntryNodes: g.Entries(),
		StartedAt:  now,
	})

	for _, entry := range g.Entries() {
		if err := e.progressNode(ctx, g, run.ID, entry, nil, 0); err != nil {
			e.logger.Error("entry dispatch failed", "run_id", run.ID, "node_key", entry, "error", err)
		}
	}

	return e.storage.GetRun(run.ID)
}

func (e *Engine) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return e.storage.GetRun(runID)
}

// GetRunStatus assembles the reporting view of a run: per-instance states
// with their node types, the first recorded failure, and terminal outputs
// once the run has completed.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*ports.RunStatusReport, error) {
	run, err := e.storage.GetRun(runID)
	if err != nil {
		return nil, err
	}
	g, err := e.getGraph(run.GraphRef)
	if err != nil {
		return nil, err
	}

	report := &ports.RunStatusReport{
		RunID:       run.ID,
		GraphRef:    run.GraphRef,
		EntityID:    run.EntityID,
		Status:      run.Status,
		Nodes:       make(map[string]ports.NodeReport, len(run.Nodes)),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}

	keys := make([]string, 0, len(run.Nodes))
	for key := range run.Nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		state := run.Nodes[key]
		var nodeType domain.NodeType
		if node, ok := g.Node(domain.BaseNodeID(key)); ok {
			nodeType = node.Type
		}
		report.Nodes[key] = ports.NodeReport{
			Type:         nodeType,
			Status:       state.Status,
			Output:       state.Output,
			Error:        state.Error,
			DispatchedAt: state.DispatchedAt,
			CompletedAt:  state.CompletedAt,
		}
		if state.Status == domain.NodeStatusFailed && report.LastError == "" {
			report.LastError = state.Error
		}
	}

	// Nodes the walker has not reached yet have no stored state; they still
	// belong in the report, as pending.
	for _, id := range g.NodeIDs() {
		if len(run.InstanceKeys(id)) > 0 {
			continue
		}
		node, _ := g.Node(id)
		report.Nodes[id] = ports.NodeReport{Type: node.Type, Status: domain.NodeStatusPending}
	}

	if run.Status == domain.RunStatusCompleted {
		report.FinalOutputs = domain.TerminalOutputs(g, run)
	}
	return report, nil
}

func (e *Engine) ListRuns(ctx context.Context, filter ports.RunFilter) ([]*domain.Run, error) {
	runs, err := e.storage.ListRuns()
	if err != nil {
		return nil, err
	}

	matched := make([]*domain.Run, 0, len(runs))
	for _, run := range runs {
		if filter.GraphID != "" && graphIDOf(run.GraphRef) != filter.GraphID {
			continue
		}
		if filter.EntityID != "" && run.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (e *Engine) GetExecutionMetrics() domain.ExecutionMetrics {
	return e.metrics.GetSnapshot()
}

func graphIDOf(ref string) string {
	if i := strings.Index(ref, "@v"); i >= 0 {
		return ref[:i]
	}
	return ref
}

func (e *Engine) getGraph(ref string) (*domain.ExecutionGraph, error) {
	e.graphMu.RLock()
	g, ok := e.graphs[ref]
	e.graphMu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := e.storage.GetGraph(ref)
	if err != nil {
		return nil, err
	}

	e.graphMu.Lock()
	e.graphs[ref] = g
	e.graphMu.Unlock()
	return g, nil
}

// updateRun loads the run, applies mutate, and writes it back under the
// version read. A conflicting writer triggers a reload and reapply with
// quadratic backoff. mutate sees a fresh document each attempt and must not
// carry state between attempts; returning errUnchanged skips the write.
func (e *Engine) updateRun(ctx context.Context, runID string, mutate func(run *domain.Run) error) (*domain.Run, error) {
	var lastErr error
	for attempt := 0; attempt < e.config.WriteRetries; attempt++ {
		run, err := e.storage.GetRun(runID)
		if err != nil {
			return nil, err
		}

		if err := mutate(run); err != nil {
			return run, err
		}

		if err := e.storage.UpdateRun(run); err != nil {
			if domain.IsConflictError(err) {
				lastErr = err
				backoff := time.Duration(attempt*attempt) * 10 * time.Millisecond
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, err
		}
		return run, nil
	}
	return nil, domain.NewInternalError("update run "+runID, lastErr)
}

func (e *Engine) broadcast(event interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Broadcast(event); err != nil {
		e.logger.Warn("event broadcast failed", "error", err)
	}
}
