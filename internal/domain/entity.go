package domain

import "time"

// Entity is a tracked subject moving through a graph's user nodes. The
// invariant the stitcher maintains: CurrentNodeID is either empty or the id
// of a user-type node, never an internal system node.
type Entity struct {
	ID            string    `json:"id"`
	GraphID       string    `json:"graph_id"`
	CurrentNodeID string    `json:"current_node_id,omitempty"`
	EnteredAt     time.Time `json:"entered_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int64     `json:"version"`
}

func (e Entity) Validate() error {
	if e.ID == "" {
		return NewValidationError("entity", "id cannot be empty")
	}
	if e.GraphID == "" {
		return NewValidationError("entity", "graph_id cannot be empty")
	}
	return nil
}
