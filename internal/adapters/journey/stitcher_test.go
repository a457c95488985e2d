package journey

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/weft/internal/adapters/compiler"
	"github.com/eleven-am/weft/internal/adapters/events"
	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type startCall struct {
	GraphRef string
	Trigger  domain.Trigger
	EntityID string
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeStarter) StartRun(ctx context.Context, graphRef string, trigger domain.Trigger, entityID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, startCall{GraphRef: graphRef, Trigger: trigger, EntityID: entityID})
	return &domain.Run{ID: "run_stub"}, nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStarter) call(i int) startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type stitcherEnv struct {
	t        *testing.T
	store    *storage.AppStorage
	events   *events.Manager
	starter  *fakeStarter
	stitcher *Stitcher
}

func newStitcherEnv(t *testing.T) *stitcherEnv {
	t.Helper()

	env := &stitcherEnv{
		t:       t,
		store:   storage.NewAppStorage(memory.NewStore(), discardLogger()),
		events:  events.NewManager(discardLogger()),
		starter: &fakeStarter{},
	}
	env.stitcher = NewStitcher(env.store, env.events, env.starter, discardLogger())

	require.NoError(t, env.events.Start(context.Background()))
	require.NoError(t, env.stitcher.Start(context.Background()))
	t.Cleanup(func() {
		_ = env.stitcher.Stop()
		_ = env.events.Stop()
	})
	return env
}

func (env *stitcherEnv) saveGraph(graph domain.Graph) *domain.ExecutionGraph {
	env.t.Helper()

	version, err := env.store.NextGraphVersion(graph.ID)
	require.NoError(env.t, err)
	graph.Version = version

	compiled, err := compiler.NewCompiler(discardLogger()).Compile(graph)
	require.NoError(env.t, err)
	require.NoError(env.t, env.store.SaveGraph(compiled))
	return compiled
}

func (env *stitcherEnv) completeSystemPath(graphRef, runID, entityID, journeyNode string) {
	env.t.Helper()
	require.NoError(env.t, env.events.Broadcast(&domain.RunCompletedEvent{
		RunID:       runID,
		GraphRef:    graphRef,
		EntityID:    entityID,
		Trigger:     domain.Trigger{Kind: domain.TriggerJourney, JourneyNodeID: journeyNode},
		CompletedAt: time.Now(),
	}))
}

func (env *stitcherEnv) entityAt(entityID, nodeID string) func() bool {
	return func() bool {
		entity, err := env.store.GetEntity(entityID)
		return err == nil && entity.CurrentNodeID == nodeID
	}
}

func userNode(id, systemPathRef string) domain.Node {
	return domain.Node{
		ID:   id,
		Type: domain.NodeTypeUser,
		User: &domain.UserConfig{Prompt: "Continue?", SystemPathRef: systemPathRef},
	}
}

func workerNode(id string) domain.Node {
	return domain.Node{
		ID:     id,
		Type:   domain.NodeTypeWorker,
		Worker: &domain.WorkerConfig{Handler: id, Mode: domain.CompletionSync},
	}
}

func journeyEdge(id, source, target string) domain.Edge {
	return domain.Edge{ID: id, Source: source, Target: target, Kind: domain.EdgeKindJourney}
}

func systemEdge(id, source, target string) domain.Edge {
	return domain.Edge{ID: id, Source: source, Target: target, Kind: domain.EdgeKindSystem}
}

// onboarding spine: welcome -> verify -> activate, with a system path hanging
// under verify only.
func onboardingSpine() domain.Graph {
	return domain.Graph{
		ID: "onboarding",
		Nodes: []domain.Node{
			userNode("welcome", ""),
			userNode("verify", "verify-path"),
			userNode("activate", ""),
		},
		Edges: []domain.Edge{
			journeyEdge("j1", "welcome", "verify"),
			journeyEdge("j2", "verify", "activate"),
		},
	}
}

func TestStitcherAdvancesEntityAlongSpine(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	_, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "onboarding", "welcome", "admitted")
	require.NoError(t, err)
	require.Equal(t, 0, env.starter.callCount())

	env.completeSystemPath(g.Ref(), "run_welcome", "cust_1", "welcome")

	require.Eventually(t, env.entityAt("cust_1", "verify"), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.starter.callCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	started := env.starter.call(0)
	assert.Equal(t, "verify-path", started.GraphRef)
	assert.Equal(t, "cust_1", started.EntityID)
	assert.Equal(t, domain.TriggerJourney, started.Trigger.Kind)
	assert.Equal(t, "verify", started.Trigger.JourneyNodeID)
	assert.Equal(t, "run_welcome", started.Trigger.Source)

	log, err := env.store.ListJourney("cust_1")
	require.NoError(t, err)
	require.Len(t, log, 4)
	assert.Equal(t, domain.JourneyMoved, log[0].Type)
	assert.Equal(t, domain.JourneyNodeComplete, log[1].Type)
	assert.Equal(t, "welcome", log[1].NodeID)
	assert.Equal(t, domain.JourneyDeparture, log[2].Type)
	assert.Equal(t, "welcome", log[2].NodeID)
	assert.Equal(t, domain.JourneyArrival, log[3].Type)
	assert.Equal(t, "verify", log[3].NodeID)
	assert.Equal(t, "run_welcome", log[3].RunID)
}

func TestStitcherAdmitsUnknownEntityOnFirstCompletion(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	env.completeSystemPath(g.Ref(), "run_1", "cust_new", "welcome")

	require.Eventually(t, env.entityAt("cust_new", "verify"), 3*time.Second, 10*time.Millisecond)

	entity, err := env.store.GetEntity("cust_new")
	require.NoError(t, err)
	assert.Equal(t, "onboarding", entity.GraphID)
	assert.False(t, entity.EnteredAt.IsZero())
}

func TestStitcherEndsJourneyAtSpineEnd(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	ended := make(chan *domain.JourneyEndedEvent, 1)
	require.NoError(t, env.events.OnJourneyEnded(func(event *domain.JourneyEndedEvent) {
		select {
		case ended <- event:
		default:
		}
	}))

	_, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "onboarding", "activate", "")
	require.NoError(t, err)

	env.completeSystemPath(g.Ref(), "run_last", "cust_1", "activate")

	select {
	case event := <-ended:
		assert.Equal(t, "cust_1", event.EntityID)
		assert.Equal(t, "activate", event.NodeID)
		assert.Equal(t, "run_last", event.RunID)
	case <-time.After(3 * time.Second):
		t.Fatal("journey end event never arrived")
	}

	entity, err := env.store.GetEntity("cust_1")
	require.NoError(t, err)
	assert.Equal(t, "activate", entity.CurrentNodeID)
	assert.Equal(t, 0, env.starter.callCount())

	log, err := env.store.ListJourney("cust_1")
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, domain.JourneyNodeComplete, log[1].Type)
	assert.Equal(t, domain.JourneyEnded, log[2].Type)
	assert.Equal(t, "activate", log[2].NodeID)
}

func TestStitcherIgnoresRunsWithoutJourneyProvenance(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	require.NoError(t, env.events.Broadcast(&domain.RunCompletedEvent{
		RunID:    "run_manual",
		GraphRef: g.Ref(),
		EntityID: "cust_1",
		Trigger:  domain.Trigger{Kind: domain.TriggerManual},
	}))
	require.NoError(t, env.events.Broadcast(&domain.RunCompletedEvent{
		RunID:    "run_no_entity",
		GraphRef: g.Ref(),
		Trigger:  domain.Trigger{Kind: domain.TriggerJourney, JourneyNodeID: "welcome"},
	}))

	time.Sleep(150 * time.Millisecond)

	_, err := env.store.GetEntity("cust_1")
	assert.True(t, domain.IsNotFoundError(err))
	assert.Equal(t, 0, env.starter.callCount())
}

func TestStitcherAmbiguousSpineLeavesEntityInPlace(t *testing.T) {
	env := newStitcherEnv(t)

	// The compiler rejects a forked spine at publish time, so the runtime
	// guard is exercised with a hand-assembled snapshot.
	forked := domain.NewExecutionGraph("forked", 1,
		[]domain.Node{userNode("a", ""), userNode("b", "b-path"), userNode("c", "c-path")},
		[]domain.Edge{journeyEdge("j1", "a", "b"), journeyEdge("j2", "a", "c")},
		[]string{"a"}, []string{"a", "b", "c"}, map[string]int{})
	require.NoError(t, env.store.SaveGraph(forked))

	entity := &domain.Entity{ID: "cust_1", GraphID: "forked", CurrentNodeID: "a", EnteredAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, env.store.SaveEntity(entity))

	env.completeSystemPath(forked.Ref(), "run_fork", "cust_1", "a")
	time.Sleep(150 * time.Millisecond)

	current, err := env.store.GetEntity("cust_1")
	require.NoError(t, err)
	assert.Equal(t, "a", current.CurrentNodeID)
	assert.Equal(t, 0, env.starter.callCount())

	log, err := env.store.ListJourney("cust_1")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestStitcherStaleCompletionDoesNotMoveEntity(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	_, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "onboarding", "activate", "skipped ahead")
	require.NoError(t, err)

	// The welcome system path finishes long after the operator moved the
	// entity past it; the late completion must not drag the entity back.
	env.completeSystemPath(g.Ref(), "run_stale", "cust_1", "welcome")
	time.Sleep(150 * time.Millisecond)

	entity, err := env.store.GetEntity("cust_1")
	require.NoError(t, err)
	assert.Equal(t, "activate", entity.CurrentNodeID)

	log, err := env.store.ListJourney("cust_1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, domain.JourneyMoved, log[0].Type)
}

func TestStitcherMoveEntityRepositionsWithAudit(t *testing.T) {
	env := newStitcherEnv(t)
	env.saveGraph(onboardingSpine())

	advanced := make(chan *domain.EntityAdvancedEvent, 2)
	require.NoError(t, env.events.OnEntityAdvanced(func(event *domain.EntityAdvancedEvent) {
		advanced <- event
	}))

	first, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "onboarding", "welcome", "admitted")
	require.NoError(t, err)
	assert.Equal(t, "welcome", first.CurrentNodeID)
	assert.False(t, first.EnteredAt.IsZero())

	second, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "", "activate", "vip fast-track")
	require.NoError(t, err)
	assert.Equal(t, "activate", second.CurrentNodeID)
	assert.True(t, first.EnteredAt.Equal(second.EnteredAt), "admission time must survive repositioning")

	log, err := env.store.ListJourney("cust_1")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, domain.JourneyMoved, log[1].Type)
	assert.Equal(t, "activate", log[1].NodeID)
	assert.Equal(t, "welcome", log[1].Metadata["from"])
	assert.Equal(t, "vip fast-track", log[1].Metadata["reason"])

	for i := 0; i < 2; i++ {
		select {
		case <-advanced:
		case <-time.After(3 * time.Second):
			t.Fatal("entity advanced event never arrived")
		}
	}

	// Repeating the same move is a no-op, not a fresh audit entry.
	again, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "", "activate", "repeat")
	require.NoError(t, err)
	assert.Equal(t, "activate", again.CurrentNodeID)

	log, err = env.store.ListJourney("cust_1")
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestStitcherMoveEntityValidation(t *testing.T) {
	env := newStitcherEnv(t)
	env.saveGraph(onboardingSpine())
	env.saveGraph(domain.Graph{
		ID:    "mixed",
		Nodes: []domain.Node{userNode("gate", ""), workerNode("ship")},
		Edges: []domain.Edge{systemEdge("e1", "gate", "ship")},
	})

	ctx := context.Background()

	_, err := env.stitcher.MoveEntity(ctx, "", "onboarding", "welcome", "")
	assert.True(t, domain.IsValidationError(err))

	_, err = env.stitcher.MoveEntity(ctx, "cust_1", "onboarding", "", "")
	assert.True(t, domain.IsValidationError(err))

	// Unknown entity without a graph to admit into.
	_, err = env.stitcher.MoveEntity(ctx, "ghost", "", "welcome", "")
	assert.True(t, domain.IsNotFoundError(err))

	_, err = env.stitcher.MoveEntity(ctx, "cust_1", "missing-graph", "welcome", "")
	assert.True(t, domain.IsNotFoundError(err))

	_, err = env.stitcher.MoveEntity(ctx, "cust_1", "onboarding", "no-such-node", "")
	assert.True(t, domain.IsNotFoundError(err))

	// Entity position may only ever name a user node.
	_, err = env.stitcher.MoveEntity(ctx, "cust_1", "mixed", "ship", "")
	assert.True(t, domain.IsValidationError(err))

	_, err = env.stitcher.MoveEntity(ctx, "cust_1", "onboarding", "welcome", "admitted")
	require.NoError(t, err)

	// Admitted into onboarding; repositioning against another graph is refused.
	_, err = env.stitcher.MoveEntity(ctx, "cust_1", "mixed", "gate", "")
	assert.True(t, domain.IsValidationError(err))
}

func TestStitcherChainsAcrossTheFullSpine(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	env.completeSystemPath(g.Ref(), "run_1", "cust_1", "welcome")
	require.Eventually(t, env.entityAt("cust_1", "verify"), 3*time.Second, 10*time.Millisecond)

	env.completeSystemPath(g.Ref(), "run_2", "cust_1", "verify")
	require.Eventually(t, env.entityAt("cust_1", "activate"), 3*time.Second, 10*time.Millisecond)

	env.completeSystemPath(g.Ref(), "run_3", "cust_1", "activate")
	require.Eventually(t, func() bool {
		log, err := env.store.ListJourney("cust_1")
		return err == nil && len(log) > 0 && log[len(log)-1].Type == domain.JourneyEnded
	}, 3*time.Second, 10*time.Millisecond)

	// complete+departure+arrival per hop, then complete+ended at the spine end.
	log, err := env.store.ListJourney("cust_1")
	require.NoError(t, err)
	require.Len(t, log, 8)
	assert.Equal(t, "verify-path", env.starter.call(0).GraphRef)
	assert.Equal(t, 1, env.starter.callCount())
}

func TestStitcherLifecycle(t *testing.T) {
	env := newStitcherEnv(t)
	g := env.saveGraph(onboardingSpine())

	assert.ErrorIs(t, env.stitcher.Start(context.Background()), domain.ErrAlreadyStarted)
	require.NoError(t, env.stitcher.Stop())
	assert.ErrorIs(t, env.stitcher.Stop(), domain.ErrNotStarted)

	_, err := env.stitcher.MoveEntity(context.Background(), "cust_1", "onboarding", "welcome", "")
	assert.ErrorIs(t, err, domain.ErrNotStarted)

	// Completions delivered while stopped are dropped, not queued.
	env.completeSystemPath(g.Ref(), "run_1", "cust_1", "welcome")
	time.Sleep(150 * time.Millisecond)
	_, err = env.store.GetEntity("cust_1")
	assert.True(t, domain.IsNotFoundError(err))

	require.NoError(t, env.stitcher.Start(context.Background()))
	env.completeSystemPath(g.Ref(), "run_2", "cust_1", "welcome")
	require.Eventually(t, env.entityAt("cust_1", "verify"), 3*time.Second, 10*time.Millisecond)
}
