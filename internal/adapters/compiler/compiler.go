package compiler

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/eleven-am/weft/internal/domain"
)

// Compiler derives the immutable execution form of an editable graph. It is
// pure: validation and lookup-table construction only, no storage access.
type Compiler struct {
	logger *slog.Logger
}

func NewCompiler(logger *slog.Logger) *Compiler {
	return &Compiler{
		logger: logger.With("component", "compiler"),
	}
}

func (c *Compiler) Compile(graph domain.Graph) (*domain.ExecutionGraph, error) {
	if graph.ID == "" {
		return nil, domain.NewValidationError("graph", "id cannot be empty")
	}
	if len(graph.Nodes) == 0 {
		return nil, domain.NewValidationError("graph", "graph has no nodes")
	}

	nodes := make(map[string]domain.Node, len(graph.Nodes))
	for _, node := range graph.Nodes {
		if err := node.Validate(); err != nil {
			return nil, err
		}
		if _, dup := nodes[node.ID]; dup {
			return nil, domain.NewValidationError("graph", fmt.Sprintf("duplicate node id %s", node.ID))
		}
		nodes[node.ID] = node
	}

	edgeIDs := make(map[string]bool, len(graph.Edges))
	outgoing := make(map[string][]domain.Edge)
	systemIn := make(map[string]int)
	systemOut := make(map[string]int)
	journeyOut := make(map[string]int)
	touched := make(map[string]bool)

	for _, edge := range graph.Edges {
		if err := edge.Validate(); err != nil {
			return nil, err
		}
		if edgeIDs[edge.ID] {
			return nil, domain.NewValidationError("graph", fmt.Sprintf("duplicate edge id %s", edge.ID))
		}
		edgeIDs[edge.ID] = true

		source, ok := nodes[edge.Source]
		if !ok {
			return nil, domain.NewValidationError("graph", fmt.Sprintf("edge %s references unknown source %s", edge.ID, edge.Source))
		}
		target, ok := nodes[edge.Target]
		if !ok {
			return nil, domain.NewValidationError("graph", fmt.Sprintf("edge %s references unknown target %s", edge.ID, edge.Target))
		}

		touched[edge.Source] = true
		touched[edge.Target] = true
		outgoing[edge.Source] = append(outgoing[edge.Source], edge)

		switch edge.KindOrDefault() {
		case domain.EdgeKindSystem:
			systemOut[edge.Source]++
			systemIn[edge.Target]++
		case domain.EdgeKindJourney:
			if source.Type != domain.NodeTypeUser || target.Type != domain.NodeTypeUser {
				return nil, domain.NewValidationError("graph", fmt.Sprintf("journey edge %s must connect user nodes, got %s -> %s", edge.ID, source.Type, target.Type))
			}
			journeyOut[edge.Source]++
			if journeyOut[edge.Source] > 1 {
				return nil, domain.NewValidationError("graph", fmt.Sprintf("node %s has more than one outgoing journey edge", edge.Source))
			}
		}
	}

	if len(graph.Nodes) > 1 {
		for id := range nodes {
			if !touched[id] {
				return nil, domain.NewValidationError("graph", fmt.Sprintf("node %s is orphaned: no edges attached", id))
			}
		}
	}

	if cycle := c.findCycle(graph.Nodes, outgoing); len(cycle) > 0 {
		return nil, domain.Error{
			Type:    domain.ErrorTypeValidation,
			Message: "graph contains a cycle: " + strings.Join(cycle, " -> "),
			Details: map[string]interface{}{"subject": "graph", "cycle": cycle},
		}
	}

	var entries, terminals []string
	required := make(map[string]int)
	for _, node := range graph.Nodes {
		if systemIn[node.ID] == 0 {
			entries = append(entries, node.ID)
		}
		if systemOut[node.ID] == 0 {
			terminals = append(terminals, node.ID)
		}

		switch {
		case node.Type == domain.NodeTypeCollector:
			if systemIn[node.ID] == 0 {
				return nil, domain.NewValidationError("graph", fmt.Sprintf("collector %s has no incoming edges to collect from", node.ID))
			}
			required[node.ID] = node.Collector.ExpectedCount
		case systemIn[node.ID] > 0:
			required[node.ID] = 1
		}

		if node.Type == domain.NodeTypeSplitter && systemOut[node.ID] == 0 {
			return nil, domain.NewValidationError("graph", fmt.Sprintf("splitter %s has no outgoing edges to fan out to", node.ID))
		}
	}

	if len(entries) == 0 {
		return nil, domain.NewValidationError("graph", "graph has no entry nodes")
	}

	// Branch instances are keyed by splitter index, so every node inside a
	// splitter's fan-out, up to the collector that joins it, must be fed by
	// exactly one edge: there is no defined instance for a second predecessor
	// to merge into. Nested splitters are rejected for the same reason, since
	// their branch keys would collide across outer instances.
	for _, node := range graph.Nodes {
		if node.Type != domain.NodeTypeSplitter {
			continue
		}

		var scope []string
		seen := make(map[string]bool)
		push := func(edges []domain.Edge) {
			for _, edge := range edges {
				if edge.KindOrDefault() != domain.EdgeKindSystem {
					continue
				}
				if nodes[edge.Target].Type == domain.NodeTypeCollector {
					continue
				}
				if !seen[edge.Target] {
					seen[edge.Target] = true
					scope = append(scope, edge.Target)
				}
			}
		}

		push(outgoing[node.ID])
		for len(scope) > 0 {
			id := scope[0]
			scope = scope[1:]

			if nodes[id].Type == domain.NodeTypeSplitter {
				return nil, domain.NewValidationError("graph", fmt.Sprintf("splitter %s cannot run inside the fan-out of splitter %s", id, node.ID))
			}
			if systemIn[id] > 1 {
				return nil, domain.NewValidationError("graph", fmt.Sprintf("node %s is fanned out by splitter %s and cannot have other incoming edges", id, node.ID))
			}
			push(outgoing[id])
		}
	}

	compiled := domain.NewExecutionGraph(graph.ID, graph.Version, graph.Nodes, graph.Edges, entries, terminals, required)

	c.logger.Debug("graph compiled",
		"graph_ref", compiled.Ref(),
		"nodes", compiled.Len(),
		"edges", len(graph.Edges),
		"entries", len(entries),
		"terminals", len(terminals))

	return compiled, nil
}

const (
	markUnvisited = iota
	markVisiting
	markVisited
)

// findCycle runs a depth-first walk over every edge kind with a recursion
// stack; the returned slice is the offending path, empty when acyclic.
func (c *Compiler) findCycle(nodes []domain.Node, outgoing map[string][]domain.Edge) []string {
	marks := make(map[string]int, len(nodes))

	var stack []string
	var walk func(id string) []string
	walk = func(id string) []string {
		marks[id] = markVisiting
		stack = append(stack, id)

		for _, edge := range outgoing[id] {
			switch marks[edge.Target] {
			case markVisiting:
				for i, seen := range stack {
					if seen == edge.Target {
						return append(append([]string(nil), stack[i:]...), edge.Target)
					}
				}
			case markUnvisited:
				if cycle := walk(edge.Target); len(cycle) > 0 {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		marks[id] = markVisited
		return nil
	}

	for _, node := range nodes {
		if marks[node.ID] == markUnvisited {
			if cycle := walk(node.ID); len(cycle) > 0 {
				return cycle
			}
		}
	}

	return nil
}
