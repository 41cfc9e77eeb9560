// Package schema defines the canonical fleet event model and payload types.
package schema

import (
	"time"

	"github.com/google/uuid"

	"github.com/etchmuzik/fleetbus/errs"
)

// EventType identifies a fleet event category.
type EventType string

const (
	// EventRiderStatusChanged signals a rider lifecycle transition.
	EventRiderStatusChanged EventType = "rider_status_changed"
	// EventRiderLocationUpdate carries a GPS ping for a rider.
	EventRiderLocationUpdate EventType = "rider_location_update"
	// EventExpenseSubmitted signals a newly filed expense.
	EventExpenseSubmitted EventType = "expense_submitted"
	// EventExpenseUpdated signals an expense approval or rejection.
	EventExpenseUpdated EventType = "expense_updated"
	// EventDocumentUploaded signals a new rider document awaiting verification.
	EventDocumentUploaded EventType = "document_uploaded"
	// EventDocumentVerified signals a document verification outcome.
	EventDocumentVerified EventType = "document_verified"
	// EventBikeStatus carries a bike availability or maintenance change.
	EventBikeStatus EventType = "bike_status"
	// EventBikeAssigned signals a bike handed to a rider.
	EventBikeAssigned EventType = "bike_assigned"
	// EventFleetAlert carries an operational alert for the fleet.
	EventFleetAlert EventType = "fleet_alert"
	// EventBudgetAlert carries a finance budget threshold alert.
	EventBudgetAlert EventType = "budget_alert"
	// EventSystemNotification carries a role-targeted notification.
	EventSystemNotification EventType = "system_notification"
)

// KnownTypes lists every event type with a registered payload schema.
func KnownTypes() []EventType {
	return []EventType{
		EventRiderStatusChanged,
		EventRiderLocationUpdate,
		EventExpenseSubmitted,
		EventExpenseUpdated,
		EventDocumentUploaded,
		EventDocumentVerified,
		EventBikeStatus,
		EventBikeAssigned,
		EventFleetAlert,
		EventBudgetAlert,
		EventSystemNotification,
	}
}

// Source identifies where an event entered the backbone.
type Source string

const (
	// SourceInternal marks events produced by in-process listeners.
	SourceInternal Source = "internal"
	// SourcePublicAPI marks events submitted through the ingress HTTP API.
	SourcePublicAPI Source = "public_api"
	// SourceDuplexClient marks events submitted by a connected duplex client.
	SourceDuplexClient Source = "duplex_client"
)

// Priority orders event urgency for the external relay.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// valid reports whether the priority is one of the known levels.
func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Payload is an arbitrary structured event body keyed by field name.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if len(p) == 0 {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Event is the immutable canonical record flowing through the backbone.
// Construct via Validate; never mutate after creation.
type Event struct {
	ID                  string    `json:"id"`
	Type                EventType `json:"type"`
	Source              Source    `json:"source"`
	Priority            Priority  `json:"priority"`
	Payload             Payload   `json:"payload"`
	Timestamp           time.Time `json:"timestamp"`
	SubjectID           string    `json:"subjectId,omitempty"`
	TargetSubscriptions []string  `json:"targetSubscriptions,omitempty"`
}

// RawEvent is an unvalidated event as received from a producer.
type RawEvent struct {
	Type                EventType `json:"type"`
	Source              Source    `json:"source,omitempty"`
	Priority            Priority  `json:"priority,omitempty"`
	Payload             Payload   `json:"payload"`
	SubjectID           string    `json:"subjectId,omitempty"`
	TargetSubscriptions []string  `json:"targetSubscriptions,omitempty"`
}

// NewEvent assembles a validated, immutable event from raw producer input.
// The id and timestamp are assigned here; the payload is copied so later
// producer mutation cannot reach the routed event.
func NewEvent(raw RawEvent, now time.Time) (*Event, error) {
	if raw.Type == "" {
		return nil, errs.Validation("schema/event", "type", "event type required")
	}
	source := raw.Source
	if source == "" {
		source = SourceInternal
	}
	switch source {
	case SourceInternal, SourcePublicAPI, SourceDuplexClient:
	default:
		return nil, errs.Validation("schema/event", "source", "unknown event source")
	}
	priority := raw.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.valid() {
		return nil, errs.Validation("schema/event", "priority", "unknown priority level")
	}
	if now.IsZero() {
		now = time.Now()
	}
	var targets []string
	if len(raw.TargetSubscriptions) > 0 {
		targets = append([]string(nil), raw.TargetSubscriptions...)
	}
	return &Event{
		ID:                  uuid.NewString(),
		Type:                raw.Type,
		Source:              source,
		Priority:            priority,
		Payload:             raw.Payload.Clone(),
		Timestamp:           now.UTC(),
		SubjectID:           raw.SubjectID,
		TargetSubscriptions: targets,
	}, nil
}

// Targeted reports whether delivery is restricted to specific subscription ids.
func (e *Event) Targeted() bool {
	return e != nil && len(e.TargetSubscriptions) > 0
}

// TargetsSubscription reports whether the subscription id is in the target set.
// An untargeted event targets every subscription.
func (e *Event) TargetsSubscription(id string) bool {
	if !e.Targeted() {
		return true
	}
	for _, target := range e.TargetSubscriptions {
		if target == id {
			return true
		}
	}
	return false
}
