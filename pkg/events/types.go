package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Quota decision events
	EventBackpressure    EventType = "quota.backpressure"
	EventDailyCapReached EventType = "quota.daily_cap_reached"

	// Configuration events
	EventPlanAssigned     EventType = "plan.assigned"
	EventLimitsOverridden EventType = "limits.overridden"
	EventPlansReloaded    EventType = "plans.reloaded"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// TenantID is empty for system events
	TenantID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, tenantID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Payload:   payload,
	}
}
