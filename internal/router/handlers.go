package router

import (
	"context"
	"fmt"
	"time"

	"github.com/etchmuzik/fleetbus/internal/audit"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/queue"
	"github.com/etchmuzik/fleetbus/internal/schema"
)

// registerDefaultHandlers attaches the built-in side effects: audit trail
// appends for rider status, expense lifecycle and document verification, and
// notification emission toward the teams that act on them.
func (r *Router) registerDefaultHandlers() {
	r.RegisterHandler(schema.EventRiderStatusChanged, r.auditHandler("rider", "riderId", "rider_status_changed"))
	r.RegisterHandler(schema.EventExpenseSubmitted, r.auditHandler("expense", "expenseId", "expense_submitted"))
	r.RegisterHandler(schema.EventExpenseUpdated, r.auditHandler("expense", "expenseId", "expense_updated"))
	r.RegisterHandler(schema.EventDocumentVerified, r.auditHandler("document", "documentId", "document_verified"))

	r.RegisterHandler(schema.EventExpenseSubmitted, func(ctx context.Context, evt *schema.Event) error {
		return r.notify(ctx, "finance", "New expense submission",
			fmt.Sprintf("Expense of AED %v submitted by rider %v", evt.Payload["amount"], evt.Payload["riderId"]), evt)
	})
	r.RegisterHandler(schema.EventDocumentUploaded, func(ctx context.Context, evt *schema.Event) error {
		return r.notify(ctx, "operations", "Document awaiting verification",
			fmt.Sprintf("Rider %v uploaded a %v document", evt.Payload["riderId"], evt.Payload["documentType"]), evt)
	})
}

// auditHandler builds a handler appending one audit record keyed by the
// payload field carrying the entity id.
func (r *Router) auditHandler(entity, idField, action string) Handler {
	return func(ctx context.Context, evt *schema.Event) error {
		if r.audits == nil {
			return nil
		}
		entityID, _ := evt.Payload[idField].(string)
		_, err := r.audits.Append(ctx, audit.Record{
			EventID:   evt.ID,
			EventType: evt.Type,
			Actor:     evt.SubjectID,
			Action:    action,
			Entity:    entity,
			EntityID:  entityID,
			Details:   evt.Payload,
		})
		if err != nil {
			return fmt.Errorf("audit %s: %w", action, err)
		}
		return nil
	}
}

// notify derives a system notification from the source event and schedules
// it on the notifications topic. The role lands in the payload so
// subscribers can filter on it.
func (r *Router) notify(ctx context.Context, role, title, message string, source *schema.Event) error {
	notification, err := schema.Validate(schema.RawEvent{
		Type:     schema.EventSystemNotification,
		Source:   schema.SourceInternal,
		Priority: schema.PriorityMedium,
		Payload: schema.Payload{
			"title":         title,
			"message":       message,
			"severity":      "info",
			"role":          role,
			"sourceEventId": source.ID,
			"sourceType":    string(source.Type),
		},
	}, time.Now())
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	if err := r.queues.Enqueue(ctx, queue.TopicNotifications, notification); err != nil {
		observability.Log().Warn("notification enqueue failed",
			observability.F("role", role),
			observability.F("source_event_id", source.ID),
			observability.F("error", err.Error()))
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}
