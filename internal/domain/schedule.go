package domain

import "time"

// Schedule starts a run of GraphID on a cron cadence. Spec uses the standard
// five-field cron syntax, with @every and the other robfig descriptors
// accepted as-is.
type Schedule struct {
	Name      string                 `json:"name"`
	Spec      string                 `json:"spec"`
	GraphID   string                 `json:"graph_id"`
	EntityID  string                 `json:"entity_id,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Enabled   bool                   `json:"enabled"`
	CreatedAt time.Time              `json:"created_at"`
}

func (s Schedule) Validate() error {
	if s.Name == "" {
		return NewValidationError("schedule", "name cannot be empty")
	}
	if s.Spec == "" {
		return NewValidationError("schedule", s.Name+": spec cannot be empty")
	}
	if s.GraphID == "" {
		return NewValidationError("schedule", s.Name+": graph_id cannot be empty")
	}
	return nil
}
