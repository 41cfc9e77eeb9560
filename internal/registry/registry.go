// Package registry tracks active subscriptions and answers event-matching queries.
package registry

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/schema"
	"github.com/etchmuzik/fleetbus/internal/telemetry"
)

// Channel identifies the delivery mechanism bound to a subscription.
type Channel string

const (
	// ChannelDuplex delivers over a bidirectional websocket session.
	ChannelDuplex Channel = "duplex"
	// ChannelStream delivers over a one-way SSE push stream.
	ChannelStream Channel = "stream"
	// ChannelRelay delivers to the external workflow webhook.
	ChannelRelay Channel = "relay"
)

// Subscription records one subscriber's interest in a set of event types.
// Owned exclusively by the Registry; adapters hold only the id.
type Subscription struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"ownerId"`
	ConnectionID string             `json:"connectionId,omitempty"`
	EventTypes   []schema.EventType `json:"eventTypes"`
	Filters      map[string]any     `json:"filters,omitempty"`
	Channel      Channel            `json:"channel"`
	CreatedAt    time.Time          `json:"createdAt"`

	typeSet map[schema.EventType]struct{}
}

// Matches reports whether the event satisfies this subscription's type set,
// filters, and target restriction.
func (s *Subscription) Matches(evt *schema.Event) bool {
	if s == nil || evt == nil {
		return false
	}
	if _, ok := s.typeSet[evt.Type]; !ok {
		return false
	}
	for key, want := range s.Filters {
		got, ok := evt.Payload[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return evt.TargetsSubscription(s.ID)
}

// valuesEqual compares a payload field against a filter value, normalising
// across the numeric types JSON decoding can produce.
func valuesEqual(got, want any) bool {
	if gf, ok := asFloat(got); ok {
		if wf, wok := asFloat(want); wok {
			return gf == wf
		}
		return false
	}
	if gs, ok := got.(string); ok {
		ws, wok := want.(string)
		return wok && gs == ws
	}
	if gb, ok := got.(bool); ok {
		wb, wok := want.(bool)
		return wok && gb == wb
	}
	return reflect.DeepEqual(got, want)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Registry is the mutex-guarded owner of all live subscriptions. Matching is
// a deliberate linear scan in insertion order: at the expected scale (low
// thousands of subscriptions) this is simpler and more predictable than an
// index, and keeps filter semantics flexible.
type Registry struct {
	mu           sync.RWMutex
	order        []string
	byID         map[string]*Subscription
	byConnection map[string]map[string]struct{}

	subscriptionGauge metric.Int64UpDownCounter
	evictionCounter   metric.Int64Counter
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{
		order:        make([]string, 0, 64),
		byID:         make(map[string]*Subscription),
		byConnection: make(map[string]map[string]struct{}),
	}
	meter := otel.Meter("registry")
	r.subscriptionGauge, _ = meter.Int64UpDownCounter("registry.subscriptions",
		metric.WithDescription("Number of live subscriptions"),
		metric.WithUnit("{subscription}"))
	r.evictionCounter, _ = meter.Int64Counter("registry.evictions",
		metric.WithDescription("Subscriptions removed by the idle sweep"),
		metric.WithUnit("{subscription}"))
	return r
}

// Options carries optional subscription attributes.
type Options struct {
	ConnectionID string
	Filters      map[string]any
}

// Subscribe registers interest in the given event types and returns the new
// subscription. Rejects an empty type set.
func (r *Registry) Subscribe(ownerID string, eventTypes []schema.EventType, channel Channel, opts Options) (*Subscription, error) {
	if ownerID == "" {
		return nil, errs.New("registry", errs.CodeValidation, errs.WithField("ownerId"), errs.WithMessage("owner required"))
	}
	if len(eventTypes) == 0 {
		return nil, errs.New("registry", errs.CodeValidation, errs.WithField("eventTypes"), errs.WithMessage("at least one event type required"))
	}
	switch channel {
	case ChannelDuplex, ChannelStream, ChannelRelay:
	default:
		return nil, errs.New("registry", errs.CodeValidation, errs.WithField("channel"), errs.WithMessage("unknown delivery channel"))
	}

	typeSet := make(map[schema.EventType]struct{}, len(eventTypes))
	types := make([]schema.EventType, 0, len(eventTypes))
	for _, typ := range eventTypes {
		if typ == "" {
			continue
		}
		if _, seen := typeSet[typ]; seen {
			continue
		}
		typeSet[typ] = struct{}{}
		types = append(types, typ)
	}
	if len(types) == 0 {
		return nil, errs.New("registry", errs.CodeValidation, errs.WithField("eventTypes"), errs.WithMessage("at least one event type required"))
	}

	var filters map[string]any
	if len(opts.Filters) > 0 {
		filters = make(map[string]any, len(opts.Filters))
		for k, v := range opts.Filters {
			filters[k] = v
		}
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ConnectionID: opts.ConnectionID,
		EventTypes:   types,
		Filters:      filters,
		Channel:      channel,
		CreatedAt:    time.Now().UTC(),
		typeSet:      typeSet,
	}

	r.mu.Lock()
	r.byID[sub.ID] = sub
	r.order = append(r.order, sub.ID)
	if sub.ConnectionID != "" {
		conns := r.byConnection[sub.ConnectionID]
		if conns == nil {
			conns = make(map[string]struct{})
			r.byConnection[sub.ConnectionID] = conns
		}
		conns[sub.ID] = struct{}{}
	}
	r.mu.Unlock()

	if r.subscriptionGauge != nil {
		r.subscriptionGauge.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrChannel.String(string(channel)),
			attribute.String("environment", telemetry.Environment())))
	}

	observability.Log().Info("subscription created",
		observability.F("subscription_id", sub.ID),
		observability.F("owner_id", ownerID),
		observability.F("channel", string(channel)),
		observability.F("event_types", len(types)))
	return sub.clone(), nil
}

// Unsubscribe removes a subscription by id. Idempotent: returns false when
// the subscription is already gone.
func (r *Registry) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, ok := r.byID[id]
	if ok {
		r.removeLocked(sub)
	}
	r.mu.Unlock()

	if ok && r.subscriptionGauge != nil {
		r.subscriptionGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrChannel.String(string(sub.Channel)),
			attribute.String("environment", telemetry.Environment())))
	}
	return ok
}

// RemoveConnection atomically removes every subscription bound to the
// connection, returning the removed count. Primary cleanup path for client
// disconnects.
func (r *Registry) RemoveConnection(connectionID string) int {
	if connectionID == "" {
		return 0
	}
	r.mu.Lock()
	ids := r.byConnection[connectionID]
	removed := make([]*Subscription, 0, len(ids))
	for id := range ids {
		if sub, ok := r.byID[id]; ok {
			r.removeLocked(sub)
			removed = append(removed, sub)
		}
	}
	delete(r.byConnection, connectionID)
	r.mu.Unlock()

	if r.subscriptionGauge != nil {
		for _, sub := range removed {
			r.subscriptionGauge.Add(context.Background(), -1, metric.WithAttributes(
				telemetry.AttrChannel.String(string(sub.Channel)),
				attribute.String("environment", telemetry.Environment())))
		}
	}
	if len(removed) > 0 {
		observability.Log().Info("connection subscriptions removed",
			observability.F("connection_id", connectionID),
			observability.F("count", len(removed)))
	}
	return len(removed)
}

// Match returns the subscriptions matching the event, in subscription
// insertion order. The order is a stable tie-break for delivery sequencing
// within one event, not a cross-event guarantee.
func (r *Registry) Match(evt *schema.Event) []*Subscription {
	if evt == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Subscription
	for _, id := range r.order {
		sub := r.byID[id]
		if sub == nil {
			continue
		}
		if sub.Matches(evt) {
			matched = append(matched, sub.clone())
		}
	}
	return matched
}

// EvictIdle removes subscriptions older than maxAge, returning the count.
// Safety net against leaked registrations from abnormally terminated clients.
func (r *Registry) EvictIdle(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var evicted []*Subscription
	for _, id := range append([]string(nil), r.order...) {
		sub := r.byID[id]
		if sub != nil && sub.CreatedAt.Before(cutoff) {
			r.removeLocked(sub)
			evicted = append(evicted, sub)
		}
	}
	r.mu.Unlock()

	if len(evicted) > 0 {
		if r.evictionCounter != nil {
			r.evictionCounter.Add(context.Background(), int64(len(evicted)), metric.WithAttributes(
				attribute.String("environment", telemetry.Environment())))
		}
		observability.Log().Info("idle subscriptions evicted",
			observability.F("count", len(evicted)),
			observability.F("max_age", maxAge.String()))
	}
	return len(evicted)
}

// Get returns the subscription with the given id, or nil.
func (r *Registry) Get(id string) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].clone()
}

// ListOwner returns the live subscriptions belonging to an owner, in
// insertion order.
func (r *Registry) ListOwner(ownerID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, id := range r.order {
		sub := r.byID[id]
		if sub != nil && sub.OwnerID == ownerID {
			out = append(out, sub.clone())
		}
	}
	return out
}

// Size returns the number of live subscriptions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// removeLocked unlinks a subscription. Caller holds the write lock.
func (r *Registry) removeLocked(sub *Subscription) {
	delete(r.byID, sub.ID)
	for i, id := range r.order {
		if id == sub.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if sub.ConnectionID != "" {
		if conns := r.byConnection[sub.ConnectionID]; conns != nil {
			delete(conns, sub.ID)
			if len(conns) == 0 {
				delete(r.byConnection, sub.ConnectionID)
			}
		}
	}
}

// clone copies the subscription so callers cannot mutate registry state.
func (s *Subscription) clone() *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		ConnectionID: s.ConnectionID,
		EventTypes:   append([]schema.EventType(nil), s.EventTypes...),
		Channel:      s.Channel,
		CreatedAt:    s.CreatedAt,
		typeSet:      s.typeSet,
	}
	if len(s.Filters) > 0 {
		out.Filters = make(map[string]any, len(s.Filters))
		for k, v := range s.Filters {
			out.Filters[k] = v
		}
	}
	return out
}
