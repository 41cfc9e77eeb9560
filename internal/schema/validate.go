package schema

import (
	"time"

	"github.com/etchmuzik/fleetbus/internal/observability"
)

// Validate checks raw producer input against the schema for its declared type
// and assembles the immutable event. Types without a registered schema pass
// through with a warning so new producers are not blocked by an un-updated
// schema table. Validation failures never reach a queue.
func Validate(raw RawEvent, now time.Time) (*Event, error) {
	evt, err := NewEvent(raw, now)
	if err != nil {
		return nil, err
	}

	switch evt.Type {
	case EventRiderStatusChanged:
		_, err = DecodeRiderStatus(evt.Payload)
	case EventRiderLocationUpdate:
		_, err = DecodeRiderLocation(evt.Payload)
	case EventExpenseSubmitted, EventExpenseUpdated:
		_, err = DecodeExpense(evt.Payload)
	case EventDocumentUploaded, EventDocumentVerified:
		_, err = DecodeDocument(evt.Payload)
	case EventBikeStatus, EventBikeAssigned:
		_, err = DecodeBike(evt.Payload)
	case EventFleetAlert, EventBudgetAlert:
		_, err = DecodeAlert(evt.Payload)
	case EventSystemNotification:
		_, err = DecodeNotification(evt.Payload)
	default:
		observability.Log().Warn("no validation schema for event type",
			observability.F("event_type", string(evt.Type)))
	}
	if err != nil {
		return nil, err
	}
	return evt, nil
}
