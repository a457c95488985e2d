package journey

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/google/uuid"
)

// RunStarter is the slice of the engine the stitcher needs to launch system
// paths. Kept narrow so the wiring layer decides the direction of dependency.
type RunStarter interface {
	StartRun(ctx context.Context, graphRef string, trigger domain.Trigger, entityID string) (*domain.Run, error)
}

const writeRetries = 5

// errNoMove aborts an entity update that turned out to be a no-op once the
// stored state was inspected under the write.
var errNoMove = errors.New("entity unchanged")

// Stitcher advances entities along the journey spine. It consumes run
// completions: when the finished run was executing the system path under a
// user node, the entity crosses that node's single outgoing journey edge and
// the next node's system path, when one is declared, starts as a new run.
// The invariant enforced here is that an entity's position only ever names a
// user node; system nodes are execution detail the journey never surfaces.
type Stitcher struct {
	storage *storage.AppStorage
	events  ports.EventManager
	starter RunStarter
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ ports.JourneyPort = (*Stitcher)(nil)

func NewStitcher(appStorage *storage.AppStorage, events ports.EventManager, starter RunStarter, logger *slog.Logger) *Stitcher {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stitcher{
		storage: appStorage,
		events:  events,
		starter: starter,
		logger:  logger.With("component", "journey-stitcher"),
	}

	// Registered once for the stitcher's lifetime; the running flag gates
	// delivery so Stop quiesces without an unsubscribe surface.
	_ = events.OnRunCompleted(s.onRunCompleted)
	return s
}

func (s *Stitcher) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return domain.ErrAlreadyStarted
	}
	s.running = true
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	s.logger.Info("journey stitcher started")
	return nil
}

func (s *Stitcher) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return domain.ErrNotStarted
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.logger.Info("journey stitcher stopped")
	return nil
}

func (s *Stitcher) workCtx() (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx, s.running
}

func (s *Stitcher) GetEntity(ctx context.Context, entityID string) (*domain.Entity, error) {
	return s.storage.GetEntity(entityID)
}

func (s *Stitcher) GetJourney(ctx context.Context, entityID string) ([]domain.JourneyEvent, error) {
	return s.storage.ListJourney(entityID)
}

// onRunCompleted reacts to a finished system path. Runs without journey
// provenance are none of the stitcher's business.
func (s *Stitcher) onRunCompleted(event *domain.RunCompletedEvent) {
	fromNode := event.Trigger.JourneyNodeID
	if fromNode == "" || event.EntityID == "" {
		return
	}

	ctx, running := s.workCtx()
	if !running {
		s.logger.Debug("dropping run completion, stitcher stopped", "run_id", event.RunID)
		return
	}

	logger := s.logger.With("run_id", event.RunID, "entity_id", event.EntityID, "node_id", fromNode)

	// The spine is read from the snapshot the run pinned, so a graph edit
	// mid-flight never reroutes an entity already in motion.
	g, err := s.storage.GetGraph(event.GraphRef)
	if err != nil {
		logger.Error("journey graph lookup failed", "graph_ref", event.GraphRef, "error", err)
		return
	}

	node, ok := g.Node(fromNode)
	if !ok || node.Type != domain.NodeTypeUser {
		logger.Error("journey trigger names a non-user node", "graph_ref", event.GraphRef)
		return
	}

	spine := g.JourneyOutgoing(fromNode)
	switch {
	case len(spine) == 0:
		s.endJourney(ctx, g, event, fromNode)
	case len(spine) > 1:
		ids := make([]string, 0, len(spine))
		for _, edge := range spine {
			ids = append(ids, edge.ID)
		}
		logger.Error("journey spine is ambiguous, entity not moved", "edges", ids)
	default:
		s.advanceEntity(ctx, g, event, fromNode, spine[0].Target)
	}
}

// endJourney records that the spine stops here. The entity rests at its
// final node; only the log and the event stream move.
func (s *Stitcher) endJourney(ctx context.Context, g *domain.ExecutionGraph, event *domain.RunCompletedEvent, nodeID string) {
	stale := false
	_, err := s.updateEntity(ctx, event.EntityID, func(entity *domain.Entity) error {
		stale = false
		if entity.Version == 0 {
			s.admit(entity, g.ID(), nodeID)
			return nil
		}
		if entity.GraphID != g.ID() || entity.CurrentNodeID != nodeID {
			stale = true
		}
		return errNoMove
	})
	if err != nil && !errors.Is(err, errNoMove) {
		s.logger.Error("journey end bookkeeping failed", "entity_id", event.EntityID, "error", err)
		return
	}
	if stale {
		s.logger.Debug("stale system path completion, journey end not recorded",
			"entity_id", event.EntityID, "node_id", nodeID, "run_id", event.RunID)
		return
	}

	now := time.Now()
	s.appendEvent(domain.JourneyEvent{
		ID:         uuid.NewString(),
		EntityID:   event.EntityID,
		GraphRef:   event.GraphRef,
		Type:       domain.JourneyNodeComplete,
		NodeID:     nodeID,
		RunID:      event.RunID,
		OccurredAt: now,
	})
	s.appendEvent(domain.JourneyEvent{
		ID:         uuid.NewString(),
		EntityID:   event.EntityID,
		GraphRef:   event.GraphRef,
		Type:       domain.JourneyEnded,
		NodeID:     nodeID,
		RunID:      event.RunID,
		OccurredAt: now.Add(time.Nanosecond),
	})
	s.broadcast(&domain.JourneyEndedEvent{
		EntityID: event.EntityID,
		GraphRef: event.GraphRef,
		NodeID:   nodeID,
		RunID:    event.RunID,
		EndedAt:  now,
	})
	s.logger.Info("journey ended", "entity_id", event.EntityID, "node_id", nodeID, "run_id", event.RunID)
}

// advanceEntity moves the entity across one journey edge and starts the
// destination's system path when the user node declares one.
func (s *Stitcher) advanceEntity(ctx context.Context, g *domain.ExecutionGraph, event *domain.RunCompletedEvent, fromNode, toNode string) {
	logger := s.logger.With("entity_id", event.EntityID, "from", fromNode, "to", toNode)

	target, ok := g.Node(toNode)
	if !ok || target.Type != domain.NodeTypeUser {
		logger.Error("journey edge targets a non-user node, entity not moved", "graph_ref", event.GraphRef)
		return
	}

	_, err := s.updateEntity(ctx, event.EntityID, func(entity *domain.Entity) error {
		if entity.Version == 0 {
			s.admit(entity, g.ID(), fromNode)
		}
		if entity.GraphID != g.ID() {
			logger.Warn("entity belongs to a different graph, not moved", "entity_graph", entity.GraphID)
			return errNoMove
		}
		if entity.CurrentNodeID != fromNode {
			logger.Debug("stale system path completion, entity already moved on", "current", entity.CurrentNodeID)
			return errNoMove
		}
		entity.CurrentNodeID = toNode
		entity.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoMove) {
			logger.Error("entity advance failed", "error", err)
		}
		return
	}

	now := time.Now()
	s.appendEvent(domain.JourneyEvent{
		ID:         uuid.NewString(),
		EntityID:   event.EntityID,
		GraphRef:   event.GraphRef,
		Type:       domain.JourneyNodeComplete,
		NodeID:     fromNode,
		RunID:      event.RunID,
		OccurredAt: now,
	})
	s.appendEvent(domain.JourneyEvent{
		ID:         uuid.NewString(),
		EntityID:   event.EntityID,
		GraphRef:   event.GraphRef,
		Type:       domain.JourneyDeparture,
		NodeID:     fromNode,
		RunID:      event.RunID,
		OccurredAt: now.Add(time.Nanosecond),
	})
	s.appendEvent(domain.JourneyEvent{
		ID:         uuid.NewString(),
		EntityID:   event.EntityID,
		GraphRef:   event.GraphRef,
		Type:       domain.JourneyArrival,
		NodeID:     toNode,
		RunID:      event.RunID,
		OccurredAt: now.Add(2 * time.Nanosecond),
	})
	s.broadcast(&domain.EntityAdvancedEvent{
		EntityID:   event.EntityID,
		GraphRef:   event.GraphRef,
		FromNodeID: fromNode,
		ToNodeID:   toNode,
		RunID:      event.RunID,
		AdvancedAt: now,
	})
	logger.Info("entity advanced")

	if ref := target.User.SystemPathRef; ref != "" {
		trigger := domain.Trigger{
			Kind:          domain.TriggerJourney,
			Source:        event.RunID,
			JourneyNodeID: toNode,
			ReceivedAt:    now,
		}
		run, err := s.starter.StartRun(ctx, ref, trigger, event.EntityID)
		if err != nil {
			logger.Error("system path start failed", "system_path_ref", ref, "error", err)
			return
		}
		logger.Info("system path started", "system_path_ref", ref, "run_id", run.ID)
	}
}

// MoveEntity repositions an entity by hand, or admits a new one when graphID
// names the journey it enters. Moves are audit-logged but never dispatch
// work: repositioning a stuck entity must not fire side effects, so starting
// the destination's system path stays an explicit separate call.
func (s *Stitcher) MoveEntity(ctx context.Context, entityID, graphID, toNodeID, reason string) (*domain.Entity, error) {
	if _, running := s.workCtx(); !running {
		return nil, domain.ErrNotStarted
	}
	if entityID == "" {
		return nil, domain.NewValidationError("entity", "entity id cannot be empty")
	}
	if toNodeID == "" {
		return nil, domain.NewValidationError("entity", "target node id cannot be empty")
	}

	existing, err := s.storage.GetEntity(entityID)
	switch {
	case err == nil:
		if graphID != "" && graphID != existing.GraphID {
			return nil, domain.NewValidationError("entity", "entity "+entityID+" belongs to graph "+existing.GraphID)
		}
		graphID = existing.GraphID
	case domain.IsNotFoundError(err):
		if graphID == "" {
			return nil, domain.NewNotFoundError("entity", entityID)
		}
	default:
		return nil, err
	}

	// Manual moves validate against the latest published spine; operators
	// reposition against the graph as it is authored today.
	g, err := s.storage.LatestGraph(graphID)
	if err != nil {
		return nil, err
	}
	node, ok := g.Node(toNodeID)
	if !ok {
		return nil, domain.NewNotFoundError("node", toNodeID)
	}
	if node.Type != domain.NodeTypeUser {
		return nil, domain.NewValidationError("entity", "entity position must be a user node, "+toNodeID+" is a "+string(node.Type))
	}

	var fromNode string
	entity, err := s.updateEntity(ctx, entityID, func(entity *domain.Entity) error {
		if entity.Version == 0 {
			s.admit(entity, graphID, "")
		}
		if entity.GraphID != graphID {
			return domain.NewValidationError("entity", "entity "+entityID+" belongs to graph "+entity.GraphID)
		}
		if entity.CurrentNodeID == toNodeID {
			return errNoMove
		}
		fromNode = entity.CurrentNodeID
		entity.CurrentNodeID = toNodeID
		entity.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoMove) {
			return entity, nil
		}
		return nil, err
	}

	now := time.Now()
	s.appendEvent(domain.JourneyEvent{
		ID:         uuid.NewString(),
		EntityID:   entityID,
		GraphRef:   g.Ref(),
		Type:       domain.JourneyMoved,
		NodeID:     toNodeID,
		OccurredAt: now,
		Metadata:   moveMetadata(fromNode, reason),
	})
	s.broadcast(&domain.EntityAdvancedEvent{
		EntityID:   entityID,
		GraphRef:   g.Ref(),
		FromNodeID: fromNode,
		ToNodeID:   toNodeID,
		AdvancedAt: now,
	})
	s.logger.Info("entity moved manually", "entity_id", entityID, "from", fromNode, "to", toNodeID, "reason", reason)
	return entity, nil
}

// admit initializes a fresh entity record in place. currentNode may be empty
// for manual admissions, where the caller sets the position right after.
func (s *Stitcher) admit(entity *domain.Entity, graphID, currentNode string) {
	now := time.Now()
	entity.GraphID = graphID
	entity.CurrentNodeID = currentNode
	entity.EnteredAt = now
	entity.UpdatedAt = now
}

// updateEntity loads, mutates, and CAS-writes the entity document, retrying
// on conflicting writers. A missing entity arrives in the closure with
// Version 0; saving it creates the record. mutate sees a fresh document each
// attempt; returning errNoMove skips the write.
func (s *Stitcher) updateEntity(ctx context.Context, entityID string, mutate func(entity *domain.Entity) error) (*domain.Entity, error) {
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		entity, err := s.storage.GetEntity(entityID)
		if err != nil {
			if !domain.IsNotFoundError(err) {
				return nil, err
			}
			entity = &domain.Entity{ID: entityID}
		}

		if err := mutate(entity); err != nil {
			return entity, err
		}

		if err := s.storage.SaveEntity(entity); err != nil {
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
		return entity, nil
	}
	return nil, domain.NewInternalError("update entity "+entityID, lastErr)
}

func (s *Stitcher) appendEvent(event domain.JourneyEvent) {
	if err := s.storage.AppendJourneyEvent(event); err != nil {
		s.logger.Error("journey log append failed", "entity_id", event.EntityID, "type", string(event.Type), "error", err)
	}
}

func (s *Stitcher) broadcast(event interface{}) {
	if err := s.events.Broadcast(event); err != nil {
		s.logger.Warn("event broadcast failed", "error", err)
	}
}

func moveMetadata(fromNode, reason string) map[string]string {
	meta := make(map[string]string)
	if fromNode != "" {
		meta["from"] = fromNode
	}
	if reason != "" {
		meta["reason"] = reason
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
