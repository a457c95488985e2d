package domain

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ExecutionGraph is the compiled, immutable form of a Graph. All lookups the
// runtime needs are precomputed; accessors return copies so callers cannot
// mutate the shared snapshot.
type ExecutionGraph struct {
	id            string
	version       int64
	nodes         map[string]Node
	order         []string
	edgesBySource map[string][]Edge
	edgesByTarget map[string][]Edge
	entries       []string
	terminals     []string
	required      map[string]int
}

// GraphRef renders the canonical "<id>@v<version>" reference for a snapshot.
func GraphRef(id string, version int64) string {
	return fmt.Sprintf("%s@v%d", id, version)
}

func NewExecutionGraph(id string, version int64, nodes []Node, edges []Edge, entries, terminals []string, required map[string]int) *ExecutionGraph {
	g := &ExecutionGraph{
		id:            id,
		version:       version,
		nodes:         make(map[string]Node, len(nodes)),
		order:         make([]string, 0, len(nodes)),
		edgesBySource: make(map[string][]Edge),
		edgesByTarget: make(map[string][]Edge),
		entries:       append([]string(nil), entries...),
		terminals:     append([]string(nil), terminals...),
		required:      make(map[string]int, len(required)),
	}

	for _, n := range nodes {
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	for _, e := range edges {
		g.edgesBySource[e.Source] = append(g.edgesBySource[e.Source], e)
		g.edgesByTarget[e.Target] = append(g.edgesByTarget[e.Target], e)
	}
	for id, count := range required {
		g.required[id] = count
	}

	return g
}

func (g *ExecutionGraph) ID() string {
	return g.id
}

func (g *ExecutionGraph) Version() int64 {
	return g.version
}

func (g *ExecutionGraph) Ref() string {
	return GraphRef(g.id, g.version)
}

func (g *ExecutionGraph) Len() int {
	return len(g.order)
}

func (g *ExecutionGraph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns node ids in declaration order.
func (g *ExecutionGraph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

func (g *ExecutionGraph) Outgoing(id string) []Edge {
	return append([]Edge(nil), g.edgesBySource[id]...)
}

func (g *ExecutionGraph) Incoming(id string) []Edge {
	return append([]Edge(nil), g.edgesByTarget[id]...)
}

// SystemOutgoing filters the outgoing edges down to those the edge walker
// follows; journey edges are the stitcher's concern.
func (g *ExecutionGraph) SystemOutgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.edgesBySource[id] {
		if e.KindOrDefault() == EdgeKindSystem {
			out = append(out, e)
		}
	}
	return out
}

func (g *ExecutionGraph) JourneyOutgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.edgesBySource[id] {
		if e.KindOrDefault() == EdgeKindJourney {
			out = append(out, e)
		}
	}
	return out
}

// Entries are the nodes with no required predecessors; a run starts here.
func (g *ExecutionGraph) Entries() []string {
	return append([]string(nil), g.entries...)
}

// Terminals are the nodes with no outgoing system edges; the run completes
// when all of them have completed.
func (g *ExecutionGraph) Terminals() []string {
	return append([]string(nil), g.terminals...)
}

// RequiredPredecessors is the number of distinct upstream completions a node
// needs before it becomes eligible to execute.
func (g *ExecutionGraph) RequiredPredecessors(id string) int {
	return g.required[id]
}

type executionGraphSnapshot struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Entries   []string       `json:"entries"`
	Terminals []string       `json:"terminals"`
	Required  map[string]int `json:"required"`
}

func (g *ExecutionGraph) MarshalJSON() ([]byte, error) {
	snap := executionGraphSnapshot{
		ID:        g.id,
		Version:   g.version,
		Nodes:     make([]Node, 0, len(g.order)),
		Entries:   g.entries,
		Terminals: g.terminals,
		Required:  g.required,
	}
	for _, id := range g.order {
		snap.Nodes = append(snap.Nodes, g.nodes[id])
	}
	seen := make(map[string]bool)
	for _, id := range g.order {
		for _, e := range g.edgesBySource[id] {
			if !seen[e.ID] {
				seen[e.ID] = true
				snap.Edges = append(snap.Edges, e)
			}
		}
	}
	return json.Marshal(snap)
}

func (g *ExecutionGraph) UnmarshalJSON(data []byte) error {
	var snap executionGraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	*g = *NewExecutionGraph(snap.ID, snap.Version, snap.Nodes, snap.Edges, snap.Entries, snap.Terminals, snap.Required)
	return nil
}
