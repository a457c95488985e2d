package compiler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCompiler() *Compiler {
	return NewCompiler(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func worker(id string) domain.Node {
	return domain.Node{
		ID:     id,
		Type:   domain.NodeTypeWorker,
		Worker: &domain.WorkerConfig{Handler: "noop", Mode: domain.CompletionSync},
	}
}

func user(id string) domain.Node {
	return domain.Node{
		ID:   id,
		Type: domain.NodeTypeUser,
		User: &domain.UserConfig{Prompt: "continue?"},
	}
}

func edge(id, source, target string) domain.Edge {
	return domain.Edge{ID: id, Source: source, Target: target}
}

func journeyEdge(id, source, target string) domain.Edge {
	return domain.Edge{ID: id, Source: source, Target: target, Kind: domain.EdgeKindJourney}
}

func TestCompileLinearGraph(t *testing.T) {
	graph := domain.Graph{
		ID:      "pipeline",
		Version: 3,
		Nodes:   []domain.Node{worker("a"), worker("b"), worker("c")},
		Edges:   []domain.Edge{edge("e1", "a", "b"), edge("e2", "b", "c")},
	}

	compiled, err := testCompiler().Compile(graph)
	require.NoError(t, err)

	assert.Equal(t, "pipeline@v3", compiled.Ref())
	assert.Equal(t, []string{"a"}, compiled.Entries())
	assert.Equal(t, []string{"c"}, compiled.Terminals())
	assert.Equal(t, 0, compiled.RequiredPredecessors("a"))
	assert.Equal(t, 1, compiled.RequiredPredecessors("b"))
	assert.Equal(t, 1, compiled.RequiredPredecessors("c"))
}

func TestCompileDiamond(t *testing.T) {
	graph := domain.Graph{
		ID:      "diamond",
		Version: 1,
		Nodes:   []domain.Node{worker("a"), worker("b"), worker("c"), worker("d")},
		Edges: []domain.Edge{
			edge("e1", "a", "b"),
			edge("e2", "a", "c"),
			edge("e3", "b", "d"),
			edge("e4", "c", "d"),
		},
	}

	compiled, err := testCompiler().Compile(graph)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, compiled.Entries())
	assert.Equal(t, []string{"d"}, compiled.Terminals())
	assert.Equal(t, 1, compiled.RequiredPredecessors("d"))
	assert.Len(t, compiled.Outgoing("a"), 2)
	assert.Len(t, compiled.Incoming("d"), 2)
}

func TestCompileRejectsCycle(t *testing.T) {
	graph := domain.Graph{
		ID:    "loop",
		Nodes: []domain.Node{worker("a"), worker("b"), worker("c")},
		Edges: []domain.Edge{
			edge("e1", "a", "b"),
			edge("e2", "b", "c"),
			edge("e3", "c", "a"),
		},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Contains(t, err.Error(), "cycle")

	var domainErr domain.Error
	require.ErrorAs(t, err, &domainErr)
	assert.NotEmpty(t, domainErr.Details["cycle"])
}

func TestCompileRejectsUnknownEndpoints(t *testing.T) {
	graph := domain.Graph{
		ID:    "dangling",
		Nodes: []domain.Node{worker("a")},
		Edges: []domain.Edge{edge("e1", "a", "ghost")},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
	assert.Contains(t, err.Error(), "unknown target")

	graph.Edges = []domain.Edge{edge("e1", "ghost", "a")}
	_, err = testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestCompileRejectsDuplicates(t *testing.T) {
	graph := domain.Graph{
		ID:    "dups",
		Nodes: []domain.Node{worker("a"), worker("a")},
	}
	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate node id")

	graph = domain.Graph{
		ID:    "dups",
		Nodes: []domain.Node{worker("a"), worker("b"), worker("c")},
		Edges: []domain.Edge{edge("e1", "a", "b"), {ID: "e1", Source: "b", Target: "c"}},
	}
	_, err = testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate edge id")
}

func TestCompileRejectsOrphans(t *testing.T) {
	graph := domain.Graph{
		ID:    "orphaned",
		Nodes: []domain.Node{worker("a"), worker("b"), worker("island")},
		Edges: []domain.Edge{edge("e1", "a", "b")},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphaned")
}

func TestCompileSingleNodeGraph(t *testing.T) {
	graph := domain.Graph{
		ID:    "solo",
		Nodes: []domain.Node{worker("only")},
	}

	compiled, err := testCompiler().Compile(graph)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, compiled.Entries())
	assert.Equal(t, []string{"only"}, compiled.Terminals())
}

func TestCompileEmptyGraph(t *testing.T) {
	_, err := testCompiler().Compile(domain.Graph{ID: "empty"})
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))

	_, err = testCompiler().Compile(domain.Graph{Nodes: []domain.Node{worker("a")}})
	require.Error(t, err)
}

func TestCompileCollectorRequiredCount(t *testing.T) {
	graph := domain.Graph{
		ID: "fanin",
		Nodes: []domain.Node{
			worker("a"),
			{ID: "split", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "items"}},
			worker("branch"),
			{ID: "collect", Type: domain.NodeTypeCollector, Collector: &domain.CollectorConfig{ExpectedCount: 3}},
		},
		Edges: []domain.Edge{
			edge("e1", "a", "split"),
			edge("e2", "split", "branch"),
			edge("e3", "branch", "collect"),
		},
	}

	compiled, err := testCompiler().Compile(graph)
	require.NoError(t, err)
	assert.Equal(t, 3, compiled.RequiredPredecessors("collect"))
	assert.Equal(t, 1, compiled.RequiredPredecessors("branch"))
}

func TestCompileRejectsCollectorWithoutInputs(t *testing.T) {
	graph := domain.Graph{
		ID: "lonely-collector",
		Nodes: []domain.Node{
			{ID: "collect", Type: domain.NodeTypeCollector, Collector: &domain.CollectorConfig{ExpectedCount: 2}},
			worker("after"),
		},
		Edges: []domain.Edge{edge("e1", "collect", "after")},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no incoming edges")
}

func TestCompileRejectsSplitterWithoutTargets(t *testing.T) {
	graph := domain.Graph{
		ID: "dead-end-splitter",
		Nodes: []domain.Node{
			worker("produce"),
			{ID: "fan", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "items"}},
		},
		Edges: []domain.Edge{edge("e1", "produce", "fan")},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no outgoing edges")
}

func TestCompileJourneyEdgeValidation(t *testing.T) {
	spine := domain.Graph{
		ID:    "spine",
		Nodes: []domain.Node{user("signup"), user("onboard"), user("active")},
		Edges: []domain.Edge{
			journeyEdge("j1", "signup", "onboard"),
			journeyEdge("j2", "onboard", "active"),
		},
	}
	compiled, err := testCompiler().Compile(spine)
	require.NoError(t, err)
	require.Len(t, compiled.JourneyOutgoing("signup"), 1)
	assert.Equal(t, "onboard", compiled.JourneyOutgoing("signup")[0].Target)

	bad := domain.Graph{
		ID:    "bad-spine",
		Nodes: []domain.Node{worker("w"), user("u")},
		Edges: []domain.Edge{journeyEdge("j1", "w", "u")},
	}
	_, err = testCompiler().Compile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journey edge")

	forked := domain.Graph{
		ID:    "forked-spine",
		Nodes: []domain.Node{user("a"), user("b"), user("c")},
		Edges: []domain.Edge{
			journeyEdge("j1", "a", "b"),
			journeyEdge("j2", "a", "c"),
		},
	}
	_, err = testCompiler().Compile(forked)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one outgoing journey edge")
}

func TestCompileJourneyCycleRejected(t *testing.T) {
	graph := domain.Graph{
		ID:    "spine-loop",
		Nodes: []domain.Node{user("a"), user("b")},
		Edges: []domain.Edge{
			journeyEdge("j1", "a", "b"),
			journeyEdge("j2", "b", "a"),
		},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompileSplitterTargetExclusivity(t *testing.T) {
	graph := domain.Graph{
		ID: "contested-branch",
		Nodes: []domain.Node{
			{ID: "split", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "items"}},
			worker("branch"),
			worker("other"),
		},
		Edges: []domain.Edge{
			edge("e1", "split", "branch"),
			edge("e2", "other", "branch"),
		},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fanned out by splitter")
}

func TestCompileSplitterDirectlyIntoCollector(t *testing.T) {
	graph := domain.Graph{
		ID: "degenerate-fan",
		Nodes: []domain.Node{
			{ID: "split", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "items"}},
			{ID: "collect", Type: domain.NodeTypeCollector, Collector: &domain.CollectorConfig{ExpectedCount: 2}},
		},
		Edges: []domain.Edge{edge("e1", "split", "collect")},
	}

	_, err := testCompiler().Compile(graph)
	assert.NoError(t, err)
}

func TestCompileRejectsNestedSplitters(t *testing.T) {
	graph := domain.Graph{
		ID: "nested-fan",
		Nodes: []domain.Node{
			{ID: "outer", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "batches"}},
			worker("expand"),
			{ID: "inner", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "items"}},
			worker("leaf"),
		},
		Edges: []domain.Edge{
			edge("e1", "outer", "expand"),
			edge("e2", "expand", "inner"),
			edge("e3", "inner", "leaf"),
		},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inside the fan-out")
}

func TestCompileSplitterScopeExclusivityIsTransitive(t *testing.T) {
	graph := domain.Graph{
		ID: "deep-contested-branch",
		Nodes: []domain.Node{
			{ID: "split", Type: domain.NodeTypeSplitter, Splitter: &domain.SplitterConfig{ItemsField: "items"}},
			worker("branch"),
			worker("deep"),
			worker("outside"),
		},
		Edges: []domain.Edge{
			edge("e1", "split", "branch"),
			edge("e2", "branch", "deep"),
			edge("e3", "outside", "deep"),
		},
	}

	_, err := testCompiler().Compile(graph)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fanned out by splitter")
}

func TestCompileResultUnaffectedByLaterEdits(t *testing.T) {
	nodes := []domain.Node{worker("a"), worker("b")}
	edges := []domain.Edge{edge("e1", "a", "b")}
	graph := domain.Graph{ID: "frozen", Version: 1, Nodes: nodes, Edges: edges}

	compiled, err := testCompiler().Compile(graph)
	require.NoError(t, err)

	nodes[0].ID = "mutated"
	edges[0].Target = "mutated"

	_, ok := compiled.Node("a")
	assert.True(t, ok)
	assert.Equal(t, "b", compiled.Outgoing("a")[0].Target)
}
