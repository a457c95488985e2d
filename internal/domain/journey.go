package domain

import "time"

type JourneyEventType string

const (
	JourneyArrival      JourneyEventType = "node_arrival"
	JourneyNodeComplete JourneyEventType = "node_complete"
	JourneyDeparture    JourneyEventType = "node_departure"
	JourneyEnded        JourneyEventType = "journey_ended"
	JourneyMoved        JourneyEventType = "manual_move"
)

// JourneyEvent is one append-only log entry describing an entity's movement
// along a graph's journey spine.
type JourneyEvent struct {
	ID         string            `json:"id"`
	EntityID   string            `json:"entity_id"`
	GraphRef   string            `json:"graph_ref"`
	Type       JourneyEventType  `json:"type"`
	NodeID     string            `json:"node_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
