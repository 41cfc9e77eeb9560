// Package audit persists an append-only trail of operationally significant
// event outcomes.
package audit

import (
	"context"
	"time"

	"github.com/etchmuzik/fleetbus/internal/schema"
)

// Record is one audit trail entry. ID and CreatedAt are assigned by the
// store on append.
type Record struct {
	ID        int64            `json:"id"`
	EventID   string           `json:"eventId"`
	EventType schema.EventType `json:"eventType"`
	Actor     string           `json:"actor,omitempty"`
	Action    string           `json:"action"`
	Entity    string           `json:"entity"`
	EntityID  string           `json:"entityId"`
	Details   map[string]any   `json:"details,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Query narrows a listing. Zero values match everything.
type Query struct {
	Entity   string
	EntityID string
	EventID  string
	Limit    int
}

// Store is the audit trail persistence contract.
type Store interface {
	Append(ctx context.Context, record Record) (Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
}
