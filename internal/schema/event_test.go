package schema

import (
	"testing"
	"time"

	"github.com/etchmuzik/fleetbus/errs"
)

func TestNewEventDefaultsAndCopies(t *testing.T) {
	payload := Payload{"riderId": "R1", "latitude": 25.2, "longitude": 55.3}
	raw := RawEvent{Type: EventRiderLocationUpdate, Payload: payload}

	evt, err := NewEvent(raw, time.Time{})
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	if evt.ID == "" {
		t.Fatal("expected generated id")
	}
	if evt.Source != SourceInternal {
		t.Fatalf("expected internal default source, got %q", evt.Source)
	}
	if evt.Priority != PriorityMedium {
		t.Fatalf("expected medium default priority, got %q", evt.Priority)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("expected assigned timestamp")
	}

	// Producer mutation after creation must not reach the event.
	payload["riderId"] = "tampered"
	if evt.Payload["riderId"] != "R1" {
		t.Fatalf("payload not copied: %v", evt.Payload["riderId"])
	}
}

func TestNewEventRejectsBadInput(t *testing.T) {
	if _, err := NewEvent(RawEvent{Payload: Payload{}}, time.Now()); err == nil {
		t.Fatal("expected error for empty type")
	}
	if _, err := NewEvent(RawEvent{Type: EventBikeStatus, Source: "carrier_pigeon"}, time.Now()); err == nil {
		t.Fatal("expected error for unknown source")
	}
	if _, err := NewEvent(RawEvent{Type: EventBikeStatus, Priority: "urgent"}, time.Now()); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestTargetsSubscription(t *testing.T) {
	evt := &Event{TargetSubscriptions: []string{"sub-1", "sub-2"}}
	if !evt.TargetsSubscription("sub-2") {
		t.Fatal("expected targeted subscription to match")
	}
	if evt.TargetsSubscription("sub-3") {
		t.Fatal("expected non-target subscription to be excluded")
	}

	open := &Event{}
	if !open.TargetsSubscription("anything") {
		t.Fatal("untargeted event should match every subscription")
	}
}

func TestValidateSchemaTable(t *testing.T) {
	cases := []struct {
		name    string
		raw     RawEvent
		wantErr bool
	}{
		{
			name: "valid location",
			raw: RawEvent{
				Type:    EventRiderLocationUpdate,
				Payload: Payload{"riderId": "R1", "latitude": 25.2, "longitude": 55.3},
			},
		},
		{
			name: "location missing longitude",
			raw: RawEvent{
				Type:    EventRiderLocationUpdate,
				Payload: Payload{"riderId": "R1", "latitude": 25.2},
			},
			wantErr: true,
		},
		{
			name: "location latitude out of range",
			raw: RawEvent{
				Type:    EventRiderLocationUpdate,
				Payload: Payload{"riderId": "R1", "latitude": 91.0, "longitude": 55.3},
			},
			wantErr: true,
		},
		{
			name: "location non-numeric latitude",
			raw: RawEvent{
				Type:    EventRiderLocationUpdate,
				Payload: Payload{"riderId": "R1", "latitude": "far", "longitude": 55.3},
			},
			wantErr: true,
		},
		{
			name: "valid status change",
			raw: RawEvent{
				Type:    EventRiderStatusChanged,
				Payload: Payload{"riderId": "R1", "status": "active"},
			},
		},
		{
			name: "status change missing rider",
			raw: RawEvent{
				Type:    EventRiderStatusChanged,
				Payload: Payload{"status": "active"},
			},
			wantErr: true,
		},
		{
			name: "valid expense",
			raw: RawEvent{
				Type:    EventExpenseSubmitted,
				Payload: Payload{"expenseId": "E1", "riderId": "R9", "amount": 100.0},
			},
		},
		{
			name: "expense string amount",
			raw: RawEvent{
				Type:    EventExpenseSubmitted,
				Payload: Payload{"expenseId": "E1", "riderId": "R9", "amount": "149.50"},
			},
		},
		{
			name: "expense negative amount",
			raw: RawEvent{
				Type:    EventExpenseSubmitted,
				Payload: Payload{"expenseId": "E1", "riderId": "R9", "amount": -5.0},
			},
			wantErr: true,
		},
		{
			name: "valid document",
			raw: RawEvent{
				Type:    EventDocumentVerified,
				Payload: Payload{"documentId": "D1", "riderId": "R1", "status": "verified"},
			},
		},
		{
			name: "bike missing id",
			raw: RawEvent{
				Type:    EventBikeAssigned,
				Payload: Payload{"riderId": "R1"},
			},
			wantErr: true,
		},
		{
			name: "alert requires severity",
			raw: RawEvent{
				Type:    EventFleetAlert,
				Payload: Payload{"message": "bike offline"},
			},
			wantErr: true,
		},
		{
			name: "alert without message passes",
			raw: RawEvent{
				Type:    EventFleetAlert,
				Payload: Payload{"severity": "warning", "zone": "al-quoz"},
			},
		},
		{
			name: "notification requires message",
			raw: RawEvent{
				Type:    EventSystemNotification,
				Payload: Payload{"title": "Reminder"},
			},
			wantErr: true,
		},
		{
			name: "notification without severity passes",
			raw: RawEvent{
				Type:    EventSystemNotification,
				Payload: Payload{"message": "shift roster published"},
			},
		},
		{
			name: "unknown type passes with warning",
			raw: RawEvent{
				Type:    "shift_started",
				Payload: Payload{"anything": true},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := Validate(tc.raw, time.Now())
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if errs.CodeOf(err) != errs.CodeValidation {
					t.Fatalf("expected validation code, got %q", errs.CodeOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if evt == nil || evt.ID == "" {
				t.Fatal("expected validated event with id")
			}
		})
	}
}

func TestDecodeNotificationDefaultsSeverity(t *testing.T) {
	notification, err := DecodeNotification(Payload{"message": "expense approved", "role": "finance"})
	if err != nil {
		t.Fatalf("DecodeNotification() error = %v", err)
	}
	if notification.Severity != "info" {
		t.Fatalf("expected default info severity, got %q", notification.Severity)
	}
	if notification.Role != "finance" {
		t.Fatalf("unexpected role %q", notification.Role)
	}

	notification, err = DecodeNotification(Payload{"message": "budget exceeded", "severity": "critical"})
	if err != nil {
		t.Fatalf("DecodeNotification() error = %v", err)
	}
	if notification.Severity != "critical" {
		t.Fatalf("explicit severity overridden, got %q", notification.Severity)
	}
}

func TestDecodeExpenseTypedView(t *testing.T) {
	expense, err := DecodeExpense(Payload{"expenseId": "E7", "riderId": "R2", "amount": "249.99", "category": "fuel"})
	if err != nil {
		t.Fatalf("DecodeExpense() error = %v", err)
	}
	if expense.Amount.String() != "249.99" {
		t.Fatalf("expected decimal amount 249.99, got %s", expense.Amount)
	}
	if expense.Category != "fuel" {
		t.Fatalf("unexpected category %q", expense.Category)
	}
}
