package pubsub

import "time"

// Scope determines how an event's recipients are resolved.
type Scope int

const (
	// ScopeSingle targets one connection id.
	ScopeSingle Scope = iota
	// ScopeRoom targets every member of a room.
	ScopeRoom
	// ScopeGlobal targets every live connection.
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeSingle:
		return "SINGLE"
	case ScopeRoom:
		return "ROOM"
	case ScopeGlobal:
		return "GLOBAL"
	}
	return "UNKNOWN"
}

// Priority orders event delivery. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numPriorities = int(PriorityLow) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	}
	return "UNKNOWN"
}

// Event is a transient message routed through the propagator. Events are
// never persisted; they live in memory or on the wire only.
type Event struct {
	Type      string
	Data      any
	Scope     Scope
	TargetID  string
	Priority  Priority
	CreatedAt time.Time
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data any, scope Scope, targetID string, priority Priority) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Scope:     scope,
		TargetID:  targetID,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// ChangeEvent describes a mutation of a domain entity, used to match
// subscriptions.
type ChangeEvent struct {
	EntityType string
	EntityID   string
	Data       any
}
