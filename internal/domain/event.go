package domain

import (
	"encoding/json"
	"time"
)

// EventType defines the type of domain event.
type EventType string

const (
	// Desired-state mutations. The store publishes one of these after a
	// successful write; the composition root turns them into reconcile runs.
	EventDesiredStateChanged EventType = "DESIRED_STATE_CHANGED"

	// Reconciliation lifecycle.
	EventReconcileCompleted EventType = "RECONCILE_COMPLETED"
	EventReconcileFailed    EventType = "RECONCILE_FAILED"
)

// Event is an immutable notification about something that happened to the
// desired state or to a reconciliation run.
type Event struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DesiredStateChangedPayload describes which entity changed. Reconciliation
// does not depend on these details (it always converges the full state);
// they exist for logging and for external consumers.
type DesiredStateChangedPayload struct {
	EntityType string `json:"entity_type"` // project, service, container
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name,omitempty"`
	Action     string `json:"action"` // created, updated, deleted
}

// ToJSON converts the payload to JSON bytes.
func (p DesiredStateChangedPayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// ReconcilePayload summarizes a finished reconciliation run.
type ReconcilePayload struct {
	Stage    string `json:"stage"`
	Error    string `json:"error,omitempty"`
	Mappings int    `json:"mappings"`
}

// ToJSON converts the payload to JSON bytes.
func (p ReconcilePayload) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}
