package weft

import (
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Graph authoring types. A Graph is the editable form; PublishGraph compiles
// it into an immutable ExecutionGraph snapshot.

type Graph = domain.Graph

type Node = domain.Node

type Edge = domain.Edge

type WorkerConfig = domain.WorkerConfig

type UserConfig = domain.UserConfig

type SplitterConfig = domain.SplitterConfig

type CollectorConfig = domain.CollectorConfig

type SectionConfig = domain.SectionConfig

type NodeType = domain.NodeType

const (
	NodeTypeWorker    NodeType = domain.NodeTypeWorker
	NodeTypeUser      NodeType = domain.NodeTypeUser
	NodeTypeSplitter  NodeType = domain.NodeTypeSplitter
	NodeTypeCollector NodeType = domain.NodeTypeCollector
	NodeTypeSection   NodeType = domain.NodeTypeSection
)

type EdgeKind = domain.EdgeKind

const (
	EdgeKindSystem  EdgeKind = domain.EdgeKindSystem
	EdgeKindJourney EdgeKind = domain.EdgeKindJourney
)

type CompletionMode = domain.CompletionMode

const (
	CompletionSync  CompletionMode = domain.CompletionSync
	CompletionAsync CompletionMode = domain.CompletionAsync
)

type TimeoutPolicy = domain.TimeoutPolicy

const (
	TimeoutFail    TimeoutPolicy = domain.TimeoutFail
	TimeoutDefault TimeoutPolicy = domain.TimeoutDefault
)

// ExecutionGraph is a compiled, immutable graph snapshot pinned by runs.
type ExecutionGraph = domain.ExecutionGraph

// Execution types.

type Run = domain.Run

type NodeState = domain.NodeState

type RunStatus = domain.RunStatus

const (
	RunStatusRunning   RunStatus = domain.RunStatusRunning
	RunStatusCompleted RunStatus = domain.RunStatusCompleted
	RunStatusFailed    RunStatus = domain.RunStatusFailed
)

type NodeStatus = domain.NodeStatus

const (
	NodeStatusPending     NodeStatus = domain.NodeStatusPending
	NodeStatusRunning     NodeStatus = domain.NodeStatusRunning
	NodeStatusCompleted   NodeStatus = domain.NodeStatusCompleted
	NodeStatusFailed      NodeStatus = domain.NodeStatusFailed
	NodeStatusWaitingUser NodeStatus = domain.NodeStatusWaitingUser
)

type Trigger = domain.Trigger

type TriggerKind = domain.TriggerKind

const (
	TriggerManual   TriggerKind = domain.TriggerManual
	TriggerSchedule TriggerKind = domain.TriggerSchedule
	TriggerWebhook  TriggerKind = domain.TriggerWebhook
	TriggerJourney  TriggerKind = domain.TriggerJourney
)

// RunStatusReport is the full status surface for one run: overall status plus
// a per-node-instance breakdown over the whole topology.
type RunStatusReport = ports.RunStatusReport

type NodeReport = ports.NodeReport

type RunFilter = ports.RunFilter

// CallbackRequest reports an async worker's outcome for one node instance.
type CallbackRequest = ports.CallbackRequest

// Journey types.

type Entity = domain.Entity

type JourneyEvent = domain.JourneyEvent

type JourneyEventType = domain.JourneyEventType

const (
	JourneyArrival      JourneyEventType = domain.JourneyArrival
	JourneyNodeComplete JourneyEventType = domain.JourneyNodeComplete
	JourneyDeparture    JourneyEventType = domain.JourneyDeparture
	JourneyEnded        JourneyEventType = domain.JourneyEnded
	JourneyMoved        JourneyEventType = domain.JourneyMoved
)

type Schedule = domain.Schedule

// ExecutionMetrics is the engine's internal counter snapshot, independent of
// the prometheus surface.
type ExecutionMetrics = domain.ExecutionMetrics
