package sse

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/identity"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/registry"
	"github.com/etchmuzik/fleetbus/internal/schema"
	"github.com/etchmuzik/fleetbus/internal/telemetry"
)

const component = "stream"

// envelope is the JSON body written into each data: frame.
type envelope struct {
	Type            string        `json:"type"`
	ClientID        string        `json:"clientId,omitempty"`
	SubscriptionID  string        `json:"subscriptionId,omitempty"`
	SubscriptionIDs []string      `json:"subscriptionIds,omitempty"`
	Event           *schema.Event `json:"event,omitempty"`
}

// client is one open event-stream response.
type client struct {
	id        string
	principal identity.Principal
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastSent time.Time
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSent = now
	c.mu.Unlock()
}

func (c *client) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSent)
}

// Manager owns the one-way server-sent-events endpoint. Clients receive
// matched events as data: frames and are swept when idle too long.
type Manager struct {
	cfg      config.StreamConfig
	verifier identity.Verifier
	registry *registry.Registry
	metrics  *observability.RuntimeMetrics

	mu         sync.RWMutex
	clients    map[string]*client
	roleCounts map[string]int
	closed     bool

	stop chan struct{}
	wg   sync.WaitGroup

	dropCounter metric.Int64Counter
}

// NewManager wires a stream manager. Call Start to begin the idle sweep
// and Shutdown to drain clients.
func NewManager(cfg config.StreamConfig, verifier identity.Verifier, reg *registry.Registry, metrics *observability.RuntimeMetrics) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 512
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	meter := otel.Meter("fleetbus/stream")
	dropCounter, err := meter.Int64Counter("fleetbus_stream_drops_total",
		metric.WithDescription("Stream clients dropped, labelled by reason"))
	if err != nil {
		observability.Log().Error("register stream drop counter", observability.F("error", err.Error()))
	}
	return &Manager{
		cfg:         cfg,
		verifier:    verifier,
		registry:    reg,
		metrics:     metrics,
		clients:     make(map[string]*client),
		roleCounts:  make(map[string]int),
		stop:        make(chan struct{}),
		dropCounter: dropCounter,
	}
}

// Start launches the idle-client sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Shutdown stops the sweep and closes every open stream.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	open := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		open = append(open, c)
	}
	m.mu.Unlock()

	for _, c := range open {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("stream shutdown deadline exceeded"),
			errs.WithCause(ctx.Err()))
	}
}

// ClientCount reports the number of open streams.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// ServeHTTP authenticates the request, subscribes the caller and streams
// matched events until the client disconnects or is swept.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := m.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError,
			errs.New(component, errs.CodeInternal, errs.WithMessage("streaming unsupported by connection")))
		return
	}

	c := &client{
		id:        uuid.NewString(),
		principal: principal,
		send:      make(chan []byte, m.cfg.BufferSize),
		done:      make(chan struct{}),
		lastSent:  time.Now().UTC(),
	}
	if err := m.register(c); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer m.drop(c, "disconnect")

	subIDs, err := m.subscribe(c, r)
	if err != nil {
		writeJSONError(w, errs.HTTPStatus(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, err := json.Marshal(envelope{Type: "connected", ClientID: c.id, SubscriptionIDs: subIDs})
	if err != nil {
		observability.Log().Error("encode handshake", observability.F("error", err.Error()))
		return
	}
	if !writeDataFrame(w, flusher, hello) {
		return
	}

	observability.Log().Info("stream client connected",
		observability.F("client_id", c.id),
		observability.F("subject", principal.Subject),
		observability.F("role", string(principal.Role)))

	keepAlive := time.NewTicker(m.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case <-m.stop:
			return
		case data := <-c.send:
			if !writeDataFrame(w, flusher, data) {
				return
			}
		case <-keepAlive.C:
			if _, err := w.Write([]byte(":keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// subscribe applies the explicit eventTypes query parameter, or the role's
// default subscription when none is given.
func (m *Manager) subscribe(c *client, r *http.Request) ([]string, error) {
	eventTypes := parseEventTypes(r.URL.Query().Get("eventTypes"))
	filters := parseFilters(r.URL.Query())

	if len(eventTypes) == 0 {
		defaults, ok := identity.Defaults(c.principal.Role)
		if !ok || len(defaults.EventTypes) == 0 {
			return nil, nil
		}
		eventTypes = defaults.EventTypes
		if len(filters) == 0 {
			filters = identity.DefaultFilters(c.principal.Role, c.principal.Subject)
		}
	}

	sub, err := m.registry.Subscribe(c.principal.Subject, eventTypes, registry.ChannelStream, registry.Options{
		ConnectionID: c.id,
		Filters:      filters,
	})
	if err != nil {
		return nil, err
	}
	return []string{sub.ID}, nil
}

func (m *Manager) register(c *client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("stream endpoint shutting down"))
	}
	if len(m.clients) >= m.cfg.MaxConnections {
		return errs.Capacity(component, "connection capacity reached")
	}
	m.clients[c.id] = c
	role := string(c.principal.Role)
	m.roleCounts[role]++
	if m.metrics != nil {
		m.metrics.RecordConnections(role, m.roleCounts[role])
	}
	return nil
}

func (m *Manager) drop(c *client, reason string) {
	m.mu.Lock()
	if _, ok := m.clients[c.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, c.id)
	role := string(c.principal.Role)
	m.roleCounts[role]--
	count := m.roleCounts[role]
	m.mu.Unlock()

	c.close()
	removed := m.registry.RemoveConnection(c.id)
	if m.metrics != nil {
		m.metrics.RecordConnections(role, count)
	}
	if m.dropCounter != nil {
		m.dropCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	observability.Log().Info("stream client dropped",
		observability.F("client_id", c.id),
		observability.F("reason", reason),
		observability.F("subscriptions_removed", removed))
}

// Deliver implements the router adapter for the stream channel. Events are
// handed to the client's buffered send channel so a slow consumer cannot
// stall fan-out.
func (m *Manager) Deliver(_ context.Context, sub *registry.Subscription, evt *schema.Event) error {
	m.mu.RLock()
	c, ok := m.clients[sub.ConnectionID]
	m.mu.RUnlock()
	if !ok {
		return errs.New(component, errs.CodeNotFound,
			errs.WithMessage("no open stream for subscription"),
			errs.WithMetadata("subscription_id", sub.ID))
	}

	data, err := json.Marshal(envelope{Type: "event", SubscriptionID: sub.ID, Event: evt})
	if err != nil {
		return errs.New(component, errs.CodeInternal,
			errs.WithMessage("encode event frame"),
			errs.WithCause(err))
	}
	select {
	case c.send <- data:
		c.touch(time.Now().UTC())
		return nil
	default:
		if m.metrics != nil {
			m.metrics.IncrementDeliveryErrors(telemetry.ChannelStream)
		}
		return errs.New(component, errs.CodeDelivery,
			errs.WithMessage("stream buffer full"),
			errs.WithMetadata("subscription_id", sub.ID))
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now().UTC()
	m.mu.RLock()
	idle := make([]*client, 0)
	for _, c := range m.clients {
		if c.idleSince(now) > m.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range idle {
		m.drop(c, "idle")
	}
}

func writeDataFrame(w http.ResponseWriter, flusher http.Flusher, data []byte) bool {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, marshalErr := json.Marshal(map[string]string{
		"code":  string(errs.CodeOf(err)),
		"error": err.Error(),
	})
	if marshalErr != nil {
		return
	}
	_, _ = w.Write(body)
}

// bearerToken pulls the credential from the Authorization header, falling
// back to the token query parameter for EventSource clients that cannot
// set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return identity.BearerToken(header)
	}
	return r.URL.Query().Get("token")
}

func parseEventTypes(raw string) []schema.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]schema.EventType, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, schema.EventType(trimmed))
	}
	return out
}

// parseFilters reads filter.<key>=<value> query parameters into an
// equality filter map.
func parseFilters(values map[string][]string) map[string]any {
	var filters map[string]any
	for key, vals := range values {
		if !strings.HasPrefix(key, "filter.") || len(vals) == 0 {
			continue
		}
		name := strings.TrimPrefix(key, "filter.")
		if name == "" {
			continue
		}
		if filters == nil {
			filters = make(map[string]any)
		}
		filters[name] = vals[0]
	}
	return filters
}

var _ http.Handler = (*Manager)(nil)
