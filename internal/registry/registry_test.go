package registry

import (
	"testing"
	"time"

	"github.com/etchmuzik/fleetbus/internal/schema"
)

func testEvent(t *testing.T, typ schema.EventType, payload schema.Payload) *schema.Event {
	t.Helper()
	evt, err := schema.NewEvent(schema.RawEvent{Type: typ, Payload: payload}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return evt
}

func TestSubscribeRejectsEmptyTypeSet(t *testing.T) {
	reg := New()
	if _, err := reg.Subscribe("ops-1", nil, ChannelDuplex, Options{}); err == nil {
		t.Fatal("expected error for empty event type set")
	}
	if _, err := reg.Subscribe("ops-1", []schema.EventType{""}, ChannelDuplex, Options{}); err == nil {
		t.Fatal("expected error when all event types are blank")
	}
	if _, err := reg.Subscribe("", []schema.EventType{schema.EventRiderStatusChanged}, ChannelDuplex, Options{}); err == nil {
		t.Fatal("expected error for missing owner")
	}
	if _, err := reg.Subscribe("ops-1", []schema.EventType{schema.EventRiderStatusChanged}, Channel("carrier-pigeon"), Options{}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if reg.Size() != 0 {
		t.Fatalf("registry size = %d, want 0", reg.Size())
	}
}

func TestMatchInsertionOrder(t *testing.T) {
	reg := New()
	var ids []string
	for i := 0; i < 5; i++ {
		sub, err := reg.Subscribe("ops", []schema.EventType{schema.EventFleetAlert}, ChannelStream, Options{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		ids = append(ids, sub.ID)
	}
	// Interleave a non-matching subscription.
	if _, err := reg.Subscribe("finance", []schema.EventType{schema.EventExpenseSubmitted}, ChannelStream, Options{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	evt := testEvent(t, schema.EventFleetAlert, schema.Payload{"alertId": "a-1", "severity": "high", "message": "battery low"})
	matched := reg.Match(evt)
	if len(matched) != 5 {
		t.Fatalf("matched %d subscriptions, want 5", len(matched))
	}
	for i, sub := range matched {
		if sub.ID != ids[i] {
			t.Fatalf("match order[%d] = %s, want %s", i, sub.ID, ids[i])
		}
	}
}

func TestMatchFilters(t *testing.T) {
	reg := New()
	sub, err := reg.Subscribe("rider-7", []schema.EventType{schema.EventRiderStatusChanged}, ChannelDuplex, Options{
		Filters: map[string]any{"riderId": "rider-7"},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	own := testEvent(t, schema.EventRiderStatusChanged, schema.Payload{"riderId": "rider-7", "status": "active"})
	other := testEvent(t, schema.EventRiderStatusChanged, schema.Payload{"riderId": "rider-9", "status": "active"})
	missing := testEvent(t, schema.EventRiderStatusChanged, schema.Payload{"status": "active"})

	if got := reg.Match(own); len(got) != 1 || got[0].ID != sub.ID {
		t.Fatalf("own event matched %d subscriptions, want exactly the filtered one", len(got))
	}
	if got := reg.Match(other); len(got) != 0 {
		t.Fatalf("other rider's event matched %d subscriptions, want 0", len(got))
	}
	if got := reg.Match(missing); len(got) != 0 {
		t.Fatal("event without the filter key must not match")
	}
}

func TestMatchNumericFilterNormalisation(t *testing.T) {
	reg := New()
	if _, err := reg.Subscribe("ops", []schema.EventType{schema.EventBikeStatus}, ChannelStream, Options{
		Filters: map[string]any{"batteryLevel": 20},
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// JSON decoding yields float64; an int filter must still match.
	evt := testEvent(t, schema.EventBikeStatus, schema.Payload{"bikeId": "b-1", "status": "active", "batteryLevel": float64(20)})
	if got := reg.Match(evt); len(got) != 1 {
		t.Fatalf("matched %d, want 1", len(got))
	}
}

func TestMatchTargetedEvent(t *testing.T) {
	reg := New()
	first, err := reg.Subscribe("ops", []schema.EventType{schema.EventSystemNotification}, ChannelDuplex, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := reg.Subscribe("ops", []schema.EventType{schema.EventSystemNotification}, ChannelDuplex, Options{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	evt, err := schema.NewEvent(schema.RawEvent{
		Type:                schema.EventSystemNotification,
		Payload:             schema.Payload{"message": "maintenance window"},
		TargetSubscriptions: []string{first.ID},
	}, time.Now())
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	matched := reg.Match(evt)
	if len(matched) != 1 || matched[0].ID != first.ID {
		t.Fatalf("targeted event matched %d subscriptions, want only the named one", len(matched))
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	reg := New()
	sub, err := reg.Subscribe("ops", []schema.EventType{schema.EventFleetAlert}, ChannelStream, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !reg.Unsubscribe(sub.ID) {
		t.Fatal("first unsubscribe should report removal")
	}
	if reg.Unsubscribe(sub.ID) {
		t.Fatal("second unsubscribe must be a no-op")
	}
	if reg.Get(sub.ID) != nil {
		t.Fatal("removed subscription still retrievable")
	}
}

func TestRemoveConnectionCascade(t *testing.T) {
	reg := New()
	for i := 0; i < 3; i++ {
		if _, err := reg.Subscribe("rider-1", []schema.EventType{schema.EventRiderStatusChanged}, ChannelDuplex, Options{
			ConnectionID: "conn-1",
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	keep, err := reg.Subscribe("rider-2", []schema.EventType{schema.EventRiderStatusChanged}, ChannelDuplex, Options{
		ConnectionID: "conn-2",
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if removed := reg.RemoveConnection("conn-1"); removed != 3 {
		t.Fatalf("removed %d subscriptions, want 3", removed)
	}
	if reg.Size() != 1 {
		t.Fatalf("size = %d after cascade, want 1", reg.Size())
	}
	if reg.Get(keep.ID) == nil {
		t.Fatal("unrelated connection's subscription was removed")
	}
	if removed := reg.RemoveConnection("conn-1"); removed != 0 {
		t.Fatalf("repeat cascade removed %d, want 0", removed)
	}
}

func TestEvictIdle(t *testing.T) {
	reg := New()
	old, err := reg.Subscribe("ops", []schema.EventType{schema.EventFleetAlert}, ChannelStream, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Backdate directly; the sweep keys off CreatedAt.
	reg.mu.Lock()
	reg.byID[old.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	reg.mu.Unlock()

	fresh, err := reg.Subscribe("ops", []schema.EventType{schema.EventFleetAlert}, ChannelStream, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if evicted := reg.EvictIdle(24 * time.Hour); evicted != 1 {
		t.Fatalf("evicted %d, want 1", evicted)
	}
	if reg.Get(old.ID) != nil {
		t.Fatal("stale subscription survived the sweep")
	}
	if reg.Get(fresh.ID) == nil {
		t.Fatal("fresh subscription was evicted")
	}
	if evicted := reg.EvictIdle(0); evicted != 0 {
		t.Fatal("non-positive max age must be a no-op")
	}
}

func TestListOwnerAndCloneIsolation(t *testing.T) {
	reg := New()
	sub, err := reg.Subscribe("finance", []schema.EventType{schema.EventExpenseSubmitted, schema.EventExpenseUpdated}, ChannelStream, Options{
		Filters: map[string]any{"category": "fuel"},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs := reg.ListOwner("finance")
	if len(subs) != 1 {
		t.Fatalf("ListOwner returned %d, want 1", len(subs))
	}
	subs[0].Filters["category"] = "maintenance"
	subs[0].EventTypes[0] = schema.EventFleetAlert

	stored := reg.Get(sub.ID)
	if stored.Filters["category"] != "fuel" {
		t.Fatal("caller mutation leaked into registry filters")
	}
	if stored.EventTypes[0] != schema.EventExpenseSubmitted {
		t.Fatal("caller mutation leaked into registry event types")
	}
}
