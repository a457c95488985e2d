package domain

import (
	"fmt"
	"time"
)

const (
	GraphPrefix       = "graph:snapshot:"
	GraphLatestPrefix = "graph:latest:"
	RunPrefix         = "run:state:"
	EntityPrefix      = "entity:state:"
	JourneyPrefix     = "journey:log:"
	SchedulePrefix    = "schedule:def:"
)

// GraphKey builds the storage key for one compiled graph snapshot.
func GraphKey(ref string) string {
	return GraphPrefix + ref
}

// GraphLatestKey builds the key holding the newest version number for a graph id.
func GraphLatestKey(id string) string {
	return GraphLatestPrefix + id
}

// RunKey builds the canonical key for run state storage.
func RunKey(id string) string {
	return RunPrefix + id
}

// EntityKey builds the canonical key for entity state storage.
func EntityKey(id string) string {
	return EntityPrefix + id
}

// JourneyEntityPrefix is the scan prefix covering all journey events of one
// entity in chronological order.
func JourneyEntityPrefix(entityID string) string {
	return fmt.Sprintf("%s%s:", JourneyPrefix, entityID)
}

// JourneyEventKey orders events by occurrence time under the entity prefix;
// the event id breaks ties between same-instant writes.
func JourneyEventKey(entityID string, occurredAt time.Time, eventID string) string {
	return fmt.Sprintf("%s%020d:%s", JourneyEntityPrefix(entityID), occurredAt.UnixNano(), eventID)
}

// ScheduleKey builds the canonical key for a schedule definition.
func ScheduleKey(name string) string {
	return SchedulePrefix + name
}
