package domain

import "time"

type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerJourney  TriggerKind = "journey"
)

// Trigger records what started a run. JourneyNodeID is set on journey
// triggers and names the user node whose system path the run executes.
type Trigger struct {
	Kind          TriggerKind            `json:"kind"`
	Source        string                 `json:"source,omitempty"`
	JourneyNodeID string                 `json:"journey_node_id,omitempty"`
	Input         map[string]interface{} `json:"input,omitempty"`
	ReceivedAt    time.Time              `json:"received_at"`
}

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerManual, TriggerSchedule, TriggerWebhook:
	case TriggerJourney:
		if t.JourneyNodeID == "" {
			return NewValidationError("trigger", "journey trigger requires journey_node_id")
		}
	default:
		return NewValidationError("trigger", "unknown trigger kind "+string(t.Kind))
	}
	return nil
}
