package domain

import (
	"fmt"
)

type NodeType string

const (
	NodeTypeWorker    NodeType = "worker"
	NodeTypeUser      NodeType = "user"
	NodeTypeSplitter  NodeType = "splitter"
	NodeTypeCollector NodeType = "collector"
	NodeTypeSection   NodeType = "section"
)

type CompletionMode string

const (
	CompletionSync  CompletionMode = "sync"
	CompletionAsync CompletionMode = "async"
)

type TimeoutPolicy string

const (
	TimeoutFail    TimeoutPolicy = "fail"
	TimeoutDefault TimeoutPolicy = "default"
)

type EdgeKind string

const (
	EdgeKindSystem  EdgeKind = "system"
	EdgeKindJourney EdgeKind = "journey"
)

// Graph is the editable form authored by the canvas layer. It is never
// executed directly; the compiler derives an immutable ExecutionGraph from it.
type Graph struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Node is a tagged variant: Type selects exactly one of the config pointers.
type Node struct {
	ID        string           `json:"id"`
	Type      NodeType         `json:"type"`
	Worker    *WorkerConfig    `json:"worker,omitempty"`
	User      *UserConfig      `json:"user,omitempty"`
	Splitter  *SplitterConfig  `json:"splitter,omitempty"`
	Collector *CollectorConfig `json:"collector,omitempty"`
	Section   *SectionConfig   `json:"section,omitempty"`
}

type WorkerConfig struct {
	Handler        string         `json:"handler,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty"`
	Mode           CompletionMode `json:"mode"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

type UserConfig struct {
	Prompt         string                 `json:"prompt,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	OnTimeout      TimeoutPolicy          `json:"on_timeout,omitempty"`
	DefaultOutput  map[string]interface{} `json:"default_output,omitempty"`
	SystemPathRef  string                 `json:"system_path_ref,omitempty"`
}

type SplitterConfig struct {
	ItemsField string `json:"items_field"`
}

type CollectorConfig struct {
	ExpectedCount int    `json:"expected_count"`
	IntoField     string `json:"into_field,omitempty"`
}

type SectionConfig struct {
	Label string `json:"label,omitempty"`
}

// Edge connects Source to Target. Mapping names the input fields written on
// the target, keyed by target field with the source output field as value.
// An empty mapping copies the whole source output.
type Edge struct {
	ID      string            `json:"id"`
	Source  string            `json:"source"`
	Target  string            `json:"target"`
	Kind    EdgeKind          `json:"kind,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

func (n Node) Validate() error {
	if n.ID == "" {
		return NewValidationError("node", "id cannot be empty")
	}

	variants := 0
	if n.Worker != nil {
		variants++
	}
	if n.User != nil {
		variants++
	}
	if n.Splitter != nil {
		variants++
	}
	if n.Collector != nil {
		variants++
	}
	if n.Section != nil {
		variants++
	}

	switch n.Type {
	case NodeTypeWorker:
		if n.Worker == nil {
			return NewValidationError("node", fmt.Sprintf("%s: worker node requires worker config", n.ID))
		}
		if n.Worker.Handler == "" && n.Worker.Endpoint == "" {
			return NewValidationError("node", fmt.Sprintf("%s: worker requires a handler name or an endpoint", n.ID))
		}
		if n.Worker.Handler != "" && n.Worker.Endpoint != "" {
			return NewValidationError("node", fmt.Sprintf("%s: worker handler and endpoint are mutually exclusive", n.ID))
		}
		if n.Worker.Mode != CompletionSync && n.Worker.Mode != CompletionAsync {
			return NewValidationError("node", fmt.Sprintf("%s: worker mode must be sync or async", n.ID))
		}
	case NodeTypeUser:
		if n.User == nil {
			return NewValidationError("node", fmt.Sprintf("%s: user node requires user config", n.ID))
		}
		if n.User.TimeoutSeconds < 0 {
			return NewValidationError("node", fmt.Sprintf("%s: timeout cannot be negative", n.ID))
		}
		if n.User.TimeoutSeconds > 0 && n.User.OnTimeout != TimeoutFail && n.User.OnTimeout != TimeoutDefault {
			return NewValidationError("node", fmt.Sprintf("%s: on_timeout must be fail or default", n.ID))
		}
	case NodeTypeSplitter:
		if n.Splitter == nil {
			return NewValidationError("node", fmt.Sprintf("%s: splitter node requires splitter config", n.ID))
		}
		if n.Splitter.ItemsField == "" {
			return NewValidationError("node", fmt.Sprintf("%s: splitter requires items_field", n.ID))
		}
	case NodeTypeCollector:
		if n.Collector == nil {
			return NewValidationError("node", fmt.Sprintf("%s: collector node requires collector config", n.ID))
		}
		if n.Collector.ExpectedCount < 1 {
			return NewValidationError("node", fmt.Sprintf("%s: collector expected_count must be at least 1", n.ID))
		}
	case NodeTypeSection:
		if n.Section == nil {
			return NewValidationError("node", fmt.Sprintf("%s: section node requires section config", n.ID))
		}
	default:
		return NewValidationError("node", fmt.Sprintf("%s: unknown node type %q", n.ID, n.Type))
	}

	if variants != 1 {
		return NewValidationError("node", fmt.Sprintf("%s: exactly one variant config must be set, found %d", n.ID, variants))
	}

	return nil
}

func (e Edge) Validate() error {
	if e.ID == "" {
		return NewValidationError("edge", "id cannot be empty")
	}
	if e.Source == "" || e.Target == "" {
		return NewValidationError("edge", fmt.Sprintf("%s: source and target cannot be empty", e.ID))
	}
	if e.Source == e.Target {
		return NewValidationError("edge", fmt.Sprintf("%s: self-referential edge %s -> %s", e.ID, e.Source, e.Target))
	}
	if e.Kind != "" && e.Kind != EdgeKindSystem && e.Kind != EdgeKindJourney {
		return NewValidationError("edge", fmt.Sprintf("%s: unknown edge kind %q", e.ID, e.Kind))
	}
	return nil
}

// KindOrDefault treats untagged edges as system edges so canvas payloads that
// never mention journey semantics keep working.
func (e Edge) KindOrDefault() EdgeKind {
	if e.Kind == "" {
		return EdgeKindSystem
	}
	return e.Kind
}

// CollectInto is the output field holding the aggregated branch outputs.
func (c CollectorConfig) CollectInto() string {
	if c.IntoField == "" {
		return "items"
	}
	return c.IntoField
}
