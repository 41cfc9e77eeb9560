package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
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

const component = "duplex"

// Publisher accepts raw events submitted by connected clients.
type Publisher interface {
	Publish(ctx context.Context, raw schema.RawEvent) (*schema.Event, error)
}

// session tracks one authenticated duplex connection.
type session struct {
	id        string
	conn      *websocket.Conn
	principal identity.Principal

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Manager owns the duplex websocket endpoint. It authenticates clients,
// applies role-based default subscriptions, accepts client-published events
// and delivers matched events back to subscribers.
type Manager struct {
	cfg       config.DuplexConfig
	verifier  identity.Verifier
	registry  *registry.Registry
	publisher Publisher
	metrics   *observability.RuntimeMetrics

	mu         sync.RWMutex
	sessions   map[string]*session
	roleCounts map[string]int
	closed     bool

	stop chan struct{}
	wg   sync.WaitGroup

	frameCounter metric.Int64Counter
}

// NewManager wires a duplex manager. Call Start to begin the heartbeat
// broadcast and Shutdown to drain connections.
func NewManager(cfg config.DuplexConfig, verifier identity.Verifier, reg *registry.Registry, publisher Publisher, metrics *observability.RuntimeMetrics) *Manager {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 512
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	meter := otel.Meter("fleetbus/duplex")
	frameCounter, err := meter.Int64Counter("fleetbus_duplex_frames_total",
		metric.WithDescription("Duplex frames handled, labelled by frame type"))
	if err != nil {
		observability.Log().Error("register duplex frame counter", observability.F("error", err.Error()))
	}
	return &Manager{
		cfg:          cfg,
		verifier:     verifier,
		registry:     reg,
		publisher:    publisher,
		metrics:      metrics,
		sessions:     make(map[string]*session),
		roleCounts:   make(map[string]int),
		stop:         make(chan struct{}),
		frameCounter: frameCounter,
	}
}

// Start launches the periodic heartbeat broadcast.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.heartbeatLoop()
}

// Shutdown stops the heartbeat broadcast and closes every live connection.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	open := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		open = append(open, sess)
	}
	m.mu.Unlock()

	for _, sess := range open {
		_ = sess.conn.Close(websocket.StatusGoingAway, "server shutting down")
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
			errs.WithMessage("duplex shutdown deadline exceeded"),
			errs.WithCause(ctx.Err()))
	}
}

// ConnectionCount reports the number of authenticated sessions.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ServeHTTP upgrades the request to a websocket and runs the session until
// the client goes away.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	atCapacity := m.closed || len(m.sessions) >= m.cfg.MaxConnections
	m.mu.RUnlock()
	if atCapacity {
		http.Error(w, `{"error":"connection capacity reached"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observability.Log().Error("duplex accept failed", observability.F("error", err.Error()))
		return
	}
	if m.cfg.ReadLimit > 0 {
		conn.SetReadLimit(m.cfg.ReadLimit)
	}

	sess := &session{
		id:           uuid.NewString(),
		conn:         conn,
		lastActivity: time.Now().UTC(),
	}

	ctx := r.Context()
	principal, err := m.authenticate(ctx, sess)
	if err != nil {
		m.writeFrame(ctx, sess, serverFrame{
			Type:    FrameAuthError,
			Code:    string(errs.CodeOf(err)),
			Message: err.Error(),
		})
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}
	sess.principal = principal

	if err := m.register(sess); err != nil {
		m.writeFrame(ctx, sess, serverFrame{
			Type:    FrameAuthError,
			Code:    string(errs.CodeOf(err)),
			Message: err.Error(),
		})
		_ = conn.Close(websocket.StatusTryAgainLater, "capacity reached")
		return
	}
	defer m.drop(sess)

	subIDs := m.autoSubscribe(sess)
	m.writeFrame(ctx, sess, serverFrame{
		Type:            FrameAuthSuccess,
		SubjectID:       principal.Subject,
		Role:            string(principal.Role),
		SubscriptionIDs: subIDs,
	})

	observability.Log().Info("duplex client connected",
		observability.F("connection_id", sess.id),
		observability.F("subject", principal.Subject),
		observability.F("role", string(principal.Role)))

	m.readLoop(ctx, sess)
}

// authenticate waits for the first frame, which must be an auth frame
// carrying a verifiable token.
func (m *Manager) authenticate(ctx context.Context, sess *session) (identity.Principal, error) {
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()

	frame, err := m.readFrame(authCtx, sess)
	if err != nil {
		return identity.Principal{}, errs.New(component, errs.CodeAuth,
			errs.WithMessage("no auth frame received before deadline"),
			errs.WithCause(err))
	}
	if frame.Type != FrameAuth {
		return identity.Principal{}, errs.New(component, errs.CodeAuth,
			errs.WithMessage("first frame must be auth"),
			errs.WithMetadata("frame_type", frame.Type))
	}
	return m.verifier.Verify(authCtx, frame.Token)
}

// autoSubscribe applies the role's default subscription so a freshly
// authenticated client receives relevant events without an explicit
// subscribe frame.
func (m *Manager) autoSubscribe(sess *session) []string {
	defaults, ok := identity.Defaults(sess.principal.Role)
	if !ok || len(defaults.EventTypes) == 0 {
		return nil
	}
	sub, err := m.registry.Subscribe(sess.principal.Subject, defaults.EventTypes, registry.ChannelDuplex, registry.Options{
		ConnectionID: sess.id,
		Filters:      identity.DefaultFilters(sess.principal.Role, sess.principal.Subject),
	})
	if err != nil {
		observability.Log().Error("role auto-subscription failed",
			observability.F("connection_id", sess.id),
			observability.F("role", string(sess.principal.Role)),
			observability.F("error", err.Error()))
		return nil
	}
	return []string{sub.ID}
}

func (m *Manager) register(sess *session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("duplex endpoint shutting down"))
	}
	if len(m.sessions) >= m.cfg.MaxConnections {
		return errs.Capacity(component, "connection capacity reached")
	}
	m.sessions[sess.id] = sess
	role := string(sess.principal.Role)
	m.roleCounts[role]++
	if m.metrics != nil {
		m.metrics.RecordConnections(role, m.roleCounts[role])
	}
	return nil
}

func (m *Manager) drop(sess *session) {
	m.mu.Lock()
	if _, ok := m.sessions[sess.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sess.id)
	role := string(sess.principal.Role)
	m.roleCounts[role]--
	count := m.roleCounts[role]
	m.mu.Unlock()

	removed := m.registry.RemoveConnection(sess.id)
	if m.metrics != nil {
		m.metrics.RecordConnections(role, count)
	}
	observability.Log().Info("duplex client disconnected",
		observability.F("connection_id", sess.id),
		observability.F("subject", sess.principal.Subject),
		observability.F("subscriptions_removed", removed))
}

// readLoop consumes frames until the connection errors or the client sends
// a disconnect frame.
func (m *Manager) readLoop(ctx context.Context, sess *session) {
	for {
		frame, err := m.readFrame(ctx, sess)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				observability.Log().Info("duplex read ended",
					observability.F("connection_id", sess.id),
					observability.F("error", err.Error()))
			}
			return
		}
		sess.touch(time.Now().UTC())
		m.countFrame(ctx, frame.Type)
		if done := m.handleFrame(ctx, sess, frame); done {
			return
		}
	}
}

// handleFrame dispatches one client frame. It reports true when the
// session should end.
func (m *Manager) handleFrame(ctx context.Context, sess *session, frame clientFrame) bool {
	switch frame.Type {
	case FrameSubscribe:
		sub, err := m.registry.Subscribe(sess.principal.Subject, frame.EventTypes, registry.ChannelDuplex, registry.Options{
			ConnectionID: sess.id,
			Filters:      frame.Filters,
		})
		if err != nil {
			m.writeError(ctx, sess, err)
			return false
		}
		m.writeFrame(ctx, sess, serverFrame{Type: FrameSubscribeSuccess, SubscriptionID: sub.ID})
	case FrameUnsubscribe:
		if !m.registry.Unsubscribe(frame.SubscriptionID) {
			m.writeError(ctx, sess, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("subscription not found"),
				errs.WithMetadata("subscription_id", frame.SubscriptionID)))
			return false
		}
		m.writeFrame(ctx, sess, serverFrame{Type: FrameUnsubscribeSuccess, SubscriptionID: frame.SubscriptionID})
	case FrameEvent:
		if frame.Event == nil {
			m.writeError(ctx, sess, errs.Validation(component, "event", "event frame carries no event"))
			return false
		}
		raw := *frame.Event
		raw.Source = schema.SourceDuplexClient
		if raw.SubjectID == "" {
			raw.SubjectID = sess.principal.Subject
		}
		evt, err := m.publisher.Publish(ctx, raw)
		if err != nil {
			m.writeError(ctx, sess, err)
			return false
		}
		m.writeFrame(ctx, sess, serverFrame{Type: FrameEventAccepted, EventID: evt.ID})
	case FrameHeartbeat:
		m.writeFrame(ctx, sess, serverFrame{
			Type:      FrameHeartbeat,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	case FrameDisconnect:
		_ = sess.conn.Close(websocket.StatusNormalClosure, "client requested disconnect")
		return true
	default:
		m.writeError(ctx, sess, errs.Validation(component, "type", "unknown frame type "+frame.Type))
	}
	return false
}

// Deliver implements the router adapter for the duplex channel. The event
// is written as an event frame to the connection owning the subscription.
func (m *Manager) Deliver(ctx context.Context, sub *registry.Subscription, evt *schema.Event) error {
	m.mu.RLock()
	sess, ok := m.sessions[sub.ConnectionID]
	m.mu.RUnlock()
	if !ok {
		return errs.New(component, errs.CodeNotFound,
			errs.WithMessage("no live connection for subscription"),
			errs.WithMetadata("subscription_id", sub.ID))
	}
	return m.writeFrame(ctx, sess, serverFrame{
		Type:           FrameEvent,
		SubscriptionID: sub.ID,
		Event:          evt,
	})
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.broadcastHeartbeat()
		}
	}
}

func (m *Manager) broadcastHeartbeat() {
	m.mu.RLock()
	open := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		open = append(open, sess)
	}
	m.mu.RUnlock()

	frame := serverFrame{
		Type:             FrameHeartbeat,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		ConnectedClients: len(open),
	}
	ctx := context.Background()
	for _, sess := range open {
		if err := m.writeFrame(ctx, sess, frame); err != nil {
			observability.Log().Info("heartbeat write failed, dropping client",
				observability.F("connection_id", sess.id))
			_ = sess.conn.Close(websocket.StatusPolicyViolation, "heartbeat write failed")
		}
	}
}

func (m *Manager) readFrame(ctx context.Context, sess *session) (clientFrame, error) {
	msgType, data, err := sess.conn.Read(ctx)
	if err != nil {
		return clientFrame{}, err
	}
	if msgType != websocket.MessageText {
		return clientFrame{}, errs.Validation(component, "frame", "binary frames are not supported")
	}
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return clientFrame{}, errs.New(component, errs.CodeValidation,
			errs.WithMessage("malformed frame"),
			errs.WithCause(err))
	}
	return frame, nil
}

func (m *Manager) writeFrame(ctx context.Context, sess *session, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.New(component, errs.CodeInternal,
			errs.WithMessage("encode frame"),
			errs.WithCause(err))
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if m.metrics != nil {
			m.metrics.IncrementDeliveryErrors(telemetry.ChannelDuplex)
		}
		return errs.New(component, errs.CodeDelivery,
			errs.WithMessage("write frame"),
			errs.WithMetadata("frame_type", frame.Type),
			errs.WithCause(err))
	}
	return nil
}

func (m *Manager) writeError(ctx context.Context, sess *session, err error) {
	m.writeFrame(ctx, sess, serverFrame{
		Type:    FrameError,
		Code:    string(errs.CodeOf(err)),
		Message: err.Error(),
	})
}

func (m *Manager) countFrame(ctx context.Context, frameType string) {
	if m.frameCounter == nil {
		return
	}
	m.frameCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("frame_type", frameType)))
}

var _ http.Handler = (*Manager)(nil)
