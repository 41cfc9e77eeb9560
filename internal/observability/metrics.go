package observability

import "sync"

// BackboneMetricsSnapshot captures runtime counters for the operational metrics endpoint.
type BackboneMetricsSnapshot struct {
	QueueDepth        map[string]int   `json:"queue_depth"`
	DeadLettered      map[string]int   `json:"dead_lettered"`
	ConnectionsByRole map[string]int   `json:"connections_by_role"`
	EventsProcessed   int64            `json:"events_processed"`
	EventsFailed      int64            `json:"events_failed"`
	RelayDelivered    int64            `json:"relay_delivered"`
	RelayFailed       int64            `json:"relay_failed"`
	DeliveryErrors    map[string]int64 `json:"delivery_errors"`
}

// RuntimeMetrics accumulates backbone metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu       sync.Mutex
	snapshot BackboneMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.snapshot = BackboneMetricsSnapshot{
		QueueDepth:        make(map[string]int),
		DeadLettered:      make(map[string]int),
		ConnectionsByRole: make(map[string]int),
		DeliveryErrors:    make(map[string]int64),
	}
	return metrics
}

// RecordQueueDepth tracks the latest pending job count for a queue topic.
func (m *RuntimeMetrics) RecordQueueDepth(topic string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.QueueDepth[topic] = depth
}

// RecordDeadLettered tracks the dead-letter count for a queue topic.
func (m *RuntimeMetrics) RecordDeadLettered(topic string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DeadLettered[topic] = count
}

// RecordConnections tracks the active connection count for a role.
func (m *RuntimeMetrics) RecordConnections(role string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.ConnectionsByRole[role] = count
}

// IncrementEventsProcessed counts a successfully routed event.
func (m *RuntimeMetrics) IncrementEventsProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.EventsProcessed++
}

// IncrementEventsFailed counts an event whose routing failed terminally.
func (m *RuntimeMetrics) IncrementEventsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.EventsFailed++
}

// IncrementRelayDelivered counts a webhook delivery acknowledged by the external endpoint.
func (m *RuntimeMetrics) IncrementRelayDelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.RelayDelivered++
}

// IncrementRelayFailed counts a webhook delivery that exhausted its retry budget.
func (m *RuntimeMetrics) IncrementRelayFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.RelayFailed++
}

// IncrementDeliveryErrors counts a per-client delivery failure for a channel.
func (m *RuntimeMetrics) IncrementDeliveryErrors(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.DeliveryErrors[channel]++
}

// Snapshot copies the current metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() BackboneMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := BackboneMetricsSnapshot{
		QueueDepth:        make(map[string]int, len(m.snapshot.QueueDepth)),
		DeadLettered:      make(map[string]int, len(m.snapshot.DeadLettered)),
		ConnectionsByRole: make(map[string]int, len(m.snapshot.ConnectionsByRole)),
		EventsProcessed:   m.snapshot.EventsProcessed,
		EventsFailed:      m.snapshot.EventsFailed,
		RelayDelivered:    m.snapshot.RelayDelivered,
		RelayFailed:       m.snapshot.RelayFailed,
		DeliveryErrors:    make(map[string]int64, len(m.snapshot.DeliveryErrors)),
	}
	for k, v := range m.snapshot.QueueDepth {
		snapshot.QueueDepth[k] = v
	}
	for k, v := range m.snapshot.DeadLettered {
		snapshot.DeadLettered[k] = v
	}
	for k, v := range m.snapshot.ConnectionsByRole {
		snapshot.ConnectionsByRole[k] = v
	}
	for k, v := range m.snapshot.DeliveryErrors {
		snapshot.DeliveryErrors[k] = v
	}
	return snapshot
}
