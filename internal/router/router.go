// Package router validates incoming events and drives them through handler
// dispatch, subscriber fan-out, and relay hand-off.
package router

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/audit"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/queue"
	"github.com/etchmuzik/fleetbus/internal/registry"
	"github.com/etchmuzik/fleetbus/internal/relay"
	"github.com/etchmuzik/fleetbus/internal/schema"
	"github.com/etchmuzik/fleetbus/internal/telemetry"
)

// Adapter delivers an event to one subscription over its channel.
type Adapter interface {
	Deliver(ctx context.Context, sub *registry.Subscription, evt *schema.Event) error
}

// Handler reacts to one event type with a side effect (audit append,
// notification emission, derived state).
type Handler func(ctx context.Context, evt *schema.Event) error

// Router is the processing pipeline between ingress and the delivery
// channels.
type Router struct {
	registry   *registry.Registry
	queues     *queue.Manager
	audits     audit.Store
	metrics    *observability.RuntimeMetrics
	maxWorkers int

	mu       sync.RWMutex
	adapters map[registry.Channel]Adapter
	handlers map[schema.EventType][]Handler

	// orderMu guards the delivery-order chain: every event accepted through
	// Publish is linked behind its predecessor so fan-out follows publish
	// order even though topic workers run in parallel.
	orderMu  sync.Mutex
	lastTurn chan struct{}
	tickets  map[string]deliveryTicket

	eventCounter       metric.Int64Counter
	processingDuration metric.Float64Histogram
}

// deliveryTicket is one link in the delivery-order chain. A job waits on
// prev before fan-out and closes turn when its delivery stage is done.
type deliveryTicket struct {
	prev chan struct{}
	turn chan struct{}
}

// New constructs a Router with the default type handlers attached. Channel
// adapters are bound separately once the connection managers exist.
func New(reg *registry.Registry, queues *queue.Manager, audits audit.Store, metrics *observability.RuntimeMetrics) *Router {
	r := &Router{
		registry:   reg,
		queues:     queues,
		audits:     audits,
		metrics:    metrics,
		maxWorkers: runtime.GOMAXPROCS(0),
		adapters:   make(map[registry.Channel]Adapter),
		handlers:   make(map[schema.EventType][]Handler),
		tickets:    make(map[string]deliveryTicket),
	}
	r.lastTurn = make(chan struct{})
	close(r.lastTurn)
	meter := otel.Meter("router")
	r.eventCounter, _ = meter.Int64Counter("router.events",
		metric.WithDescription("Events processed by type and result"),
		metric.WithUnit("{event}"))
	r.processingDuration, _ = meter.Float64Histogram("router.processing.duration",
		metric.WithDescription("Event processing latency through handler dispatch and fan-out"),
		metric.WithUnit("ms"))
	r.registerDefaultHandlers()
	return r
}

// BindChannel attaches the adapter serving a delivery channel.
func (r *Router) BindChannel(channel registry.Channel, adapter Adapter) {
	r.mu.Lock()
	r.adapters[channel] = adapter
	r.mu.Unlock()
}

// RegisterHandler appends a handler for the event type. Handlers run in
// parallel and settle independently.
func (r *Router) RegisterHandler(typ schema.EventType, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[typ] = append(r.handlers[typ], h)
	r.mu.Unlock()
}

// Publish validates a raw event and schedules it for processing. The
// returned event carries the assigned id and timestamp. Accepted events are
// delivered to subscribers in publish order.
func (r *Router) Publish(ctx context.Context, raw schema.RawEvent) (*schema.Event, error) {
	evt, err := schema.Validate(raw, time.Now())
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncrementEventsFailed()
		}
		r.count(ctx, raw.Type, "rejected")
		return nil, err
	}
	if err := r.enqueueOrdered(ctx, evt); err != nil {
		if r.metrics != nil {
			r.metrics.IncrementEventsFailed()
		}
		r.count(ctx, evt.Type, "enqueue_failed")
		return nil, err
	}
	return evt, nil
}

// enqueueOrdered links the event behind the previously accepted one and
// schedules it on the events topic. The ticket is registered before the
// enqueue so a fast worker always finds it, and unlinked again when the
// enqueue is rejected so failed events never hold up the chain.
func (r *Router) enqueueOrdered(ctx context.Context, evt *schema.Event) error {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	turn := make(chan struct{})
	r.tickets[evt.ID] = deliveryTicket{prev: r.lastTurn, turn: turn}
	if err := r.queues.Enqueue(ctx, queue.TopicEvents, evt); err != nil {
		delete(r.tickets, evt.ID)
		return err
	}
	r.lastTurn = turn
	return nil
}

// takeTicket claims the event's place in the delivery-order chain. Retries
// of the same job find no ticket and proceed unordered.
func (r *Router) takeTicket(eventID string) (deliveryTicket, bool) {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	ticket, ok := r.tickets[eventID]
	if ok {
		delete(r.tickets, eventID)
	}
	return ticket, ok
}

// ProcessEvent is the events topic handler: type handlers settle in
// parallel, matching subscribers receive the event, and relay-eligible types
// are handed to the webhooks topic. Fan-out waits for its turn in the
// delivery-order chain so two events accepted in order are observed in that
// order by a shared subscriber. Only the relay hand-off can fail the job;
// realtime delivery errors are logged and isolated because a retry would
// duplicate frames on channels that are already gone.
func (r *Router) ProcessEvent(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return errs.New("router", errs.CodeValidation, errs.WithField("event"), errs.WithMessage("event required"))
	}
	start := time.Now()

	ticket, ordered := r.takeTicket(evt.ID)
	if ordered {
		defer close(ticket.turn)
	}

	r.runHandlers(ctx, evt)

	if ordered {
		select {
		case <-ticket.prev:
		case <-ctx.Done():
		}
	}
	r.FanOut(ctx, evt)

	if relay.Eligible(evt.Type) {
		if err := r.queues.Enqueue(ctx, queue.TopicWebhooks, evt); err != nil {
			r.count(ctx, evt.Type, "relay_enqueue_failed")
			return fmt.Errorf("relay hand-off: %w", err)
		}
	}

	if r.metrics != nil {
		r.metrics.IncrementEventsProcessed()
	}
	r.count(ctx, evt.Type, "processed")
	if r.processingDuration != nil {
		r.processingDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(telemetry.AttrEventType.String(string(evt.Type))))
	}
	return nil
}

// ProcessNotification is the notifications topic handler: pure subscriber
// fan-out with no side effects or relay hand-off.
func (r *Router) ProcessNotification(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return errs.New("router", errs.CodeValidation, errs.WithField("event"), errs.WithMessage("event required"))
	}
	r.FanOut(ctx, evt)
	return nil
}

// runHandlers executes every handler registered for the event type in
// parallel. All handlers settle before return; failures are aggregated and
// logged without aborting the siblings.
func (r *Router) runHandlers(ctx context.Context, evt *schema.Event) {
	r.mu.RLock()
	handlers := r.handlers[evt.Type]
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	var mu sync.Mutex
	var handlerErrs []error
	workerLimit := r.maxWorkers
	if workerLimit > len(handlers) {
		workerLimit = len(handlers)
	}
	p := pool.New().WithMaxGoroutines(workerLimit)
	for _, handler := range handlers {
		h := handler
		p.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					mu.Lock()
					handlerErrs = append(handlerErrs, fmt.Errorf("handler panic: %v", rec))
					mu.Unlock()
				}
			}()
			if err := h(ctx, evt); err != nil {
				mu.Lock()
				handlerErrs = append(handlerErrs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if len(handlerErrs) > 0 {
		_ = observability.AggregateErrors("router handler dispatch", handlerErrs,
			observability.F("event_id", evt.ID),
			observability.F("event_type", string(evt.Type)),
			observability.F("handler_count", len(handlers)))
	}
}

// FanOut delivers the event to every matching subscription through its bound
// channel adapter. Deliveries run in parallel and settle independently; a
// failed subscriber never blocks the others.
func (r *Router) FanOut(ctx context.Context, evt *schema.Event) {
	matched := r.registry.Match(evt)
	if len(matched) == 0 {
		return
	}

	r.mu.RLock()
	adapters := make(map[registry.Channel]Adapter, len(r.adapters))
	for ch, a := range r.adapters {
		adapters[ch] = a
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	var deliveryErrs []error
	var failedSubscriptions []string

	workerLimit := r.maxWorkers
	if workerLimit > len(matched) {
		workerLimit = len(matched)
	}
	p := pool.New().WithMaxGoroutines(workerLimit)
	for _, subscription := range matched {
		sub := subscription
		adapter := adapters[sub.Channel]
		if adapter == nil {
			continue
		}
		p.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					mu.Lock()
					deliveryErrs = append(deliveryErrs, fmt.Errorf("subscription %s panic: %v", sub.ID, rec))
					failedSubscriptions = append(failedSubscriptions, sub.ID)
					mu.Unlock()
				}
			}()
			if err := ctx.Err(); err != nil {
				return
			}
			if err := adapter.Deliver(ctx, sub, evt); err != nil {
				if r.metrics != nil {
					r.metrics.IncrementDeliveryErrors(string(sub.Channel))
				}
				mu.Lock()
				deliveryErrs = append(deliveryErrs, fmt.Errorf("subscription %s: %w", sub.ID, err))
				failedSubscriptions = append(failedSubscriptions, sub.ID)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	if len(deliveryErrs) > 0 {
		_ = observability.AggregateErrors("router fan-out", deliveryErrs,
			observability.F("event_id", evt.ID),
			observability.F("event_type", string(evt.Type)),
			observability.F("subscriber_count", len(matched)),
			observability.F("failed_subscriptions", failedSubscriptions))
	}
}

func (r *Router) count(ctx context.Context, typ schema.EventType, result string) {
	if r.eventCounter == nil {
		return
	}
	r.eventCounter.Add(ctx, 1, metric.WithAttributes(append(
		telemetry.EventAttributes(telemetry.Environment(), string(typ), ""),
		telemetry.AttrResult.String(result))...))
}
