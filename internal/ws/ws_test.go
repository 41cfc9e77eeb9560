package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/identity"
	"github.com/etchmuzik/fleetbus/internal/registry"
	"github.com/etchmuzik/fleetbus/internal/schema"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []schema.RawEvent
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, raw schema.RawEvent) (*schema.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.events = append(p.events, raw)
	return schema.Validate(raw, time.Now().UTC())
}

func (p *capturePublisher) received() []schema.RawEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.RawEvent, len(p.events))
	copy(out, p.events)
	return out
}

type duplexFixture struct {
	manager   *Manager
	registry  *registry.Registry
	publisher *capturePublisher
	server    *httptest.Server
	url       string
}

func newDuplexFixture(t *testing.T, cfg config.DuplexConfig) *duplexFixture {
	t.Helper()
	verifier := identity.NewStaticVerifier(nil)
	verifier.Grant("finance-token", identity.Principal{Subject: "fin-1", Role: identity.RoleFinance})
	verifier.Grant("rider-token", identity.Principal{Subject: "rider-9", Role: identity.RoleRider})
	verifier.Grant("admin-token", identity.Principal{Subject: "admin-1", Role: identity.RoleAdmin})

	reg := registry.New()
	publisher := &capturePublisher{}
	manager := NewManager(cfg, verifier, reg, publisher, nil)
	manager.Start()
	server := httptest.NewServer(manager)

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	return &duplexFixture{
		manager:   manager,
		registry:  reg,
		publisher: publisher,
		server:    server,
		url:       "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func dialAndAuth(t *testing.T, fix *duplexFixture, token string) (*websocket.Conn, serverFrame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fix.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sendFrame(t, conn, clientFrame{Type: FrameAuth, Token: token})
	return conn, readFrame(t, conn)
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame clientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testDuplexConfig() config.DuplexConfig {
	return config.DuplexConfig{
		MaxConnections:    8,
		HeartbeatInterval: time.Hour,
		AuthTimeout:       time.Second,
		WriteTimeout:      time.Second,
		ReadLimit:         1 << 20,
	}
}

func TestAuthSuccessAppliesRoleDefaults(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "finance-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if frame.Type != FrameAuthSuccess {
		t.Fatalf("expected %s frame, got %s (%s)", FrameAuthSuccess, frame.Type, frame.Message)
	}
	if frame.SubjectID != "fin-1" || frame.Role != string(identity.RoleFinance) {
		t.Fatalf("unexpected identity in frame: subject=%s role=%s", frame.SubjectID, frame.Role)
	}
	if len(frame.SubscriptionIDs) != 1 {
		t.Fatalf("expected one default subscription, got %v", frame.SubscriptionIDs)
	}
	sub := fix.registry.Get(frame.SubscriptionIDs[0])
	if sub == nil {
		t.Fatal("default subscription not in registry")
	}
	if sub.Channel != registry.ChannelDuplex || sub.OwnerID != "fin-1" {
		t.Fatalf("unexpected default subscription: %+v", sub)
	}
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "bogus-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if frame.Type != FrameAuthError {
		t.Fatalf("expected %s frame, got %s", FrameAuthError, frame.Type)
	}
	if frame.Code != string(errs.CodeAuth) {
		t.Fatalf("expected code %s, got %s", errs.CodeAuth, frame.Code)
	}
	waitFor(t, time.Second, func() bool { return fix.manager.ConnectionCount() == 0 })
}

func TestAuthDeadlineClosesSilentClients(t *testing.T) {
	cfg := testDuplexConfig()
	cfg.AuthTimeout = 50 * time.Millisecond
	fix := newDuplexFixture(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fix.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Fatal("expected connection to drop after auth deadline")
	}
	waitFor(t, time.Second, func() bool { return fix.manager.ConnectionCount() == 0 })
}

func TestSubscribeAndDeliver(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "admin-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	sendFrame(t, conn, clientFrame{
		Type:       FrameSubscribe,
		EventTypes: []schema.EventType{schema.EventFleetAlert},
		Filters:    map[string]any{"severity": "critical"},
	})
	ack := readFrame(t, conn)
	if ack.Type != FrameSubscribeSuccess || ack.SubscriptionID == "" {
		t.Fatalf("unexpected subscribe ack: %+v", ack)
	}

	sub := fix.registry.Get(ack.SubscriptionID)
	if sub == nil {
		t.Fatal("subscription missing from registry")
	}

	evt, err := schema.Validate(schema.RawEvent{
		Type:    schema.EventFleetAlert,
		Source:  schema.SourceInternal,
		Payload: schema.Payload{"severity": "critical", "zone": "al-quoz"},
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("validate event: %v", err)
	}
	if err := fix.manager.Deliver(context.Background(), sub, evt); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got := readFrame(t, conn)
	if got.Type != FrameEvent {
		t.Fatalf("expected %s frame, got %s", FrameEvent, got.Type)
	}
	if got.SubscriptionID != ack.SubscriptionID {
		t.Fatalf("event frame names subscription %s, want %s", got.SubscriptionID, ack.SubscriptionID)
	}
	if got.Event == nil || got.Event.Type != schema.EventFleetAlert {
		t.Fatalf("unexpected event in frame: %+v", got.Event)
	}
}

func TestClientPublishedEventIsAccepted(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "rider-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	sendFrame(t, conn, clientFrame{
		Type: FrameEvent,
		Event: &schema.RawEvent{
			Type:    schema.EventRiderLocationUpdate,
			Payload: schema.Payload{"riderId": "rider-9", "latitude": 25.2048, "longitude": 55.2708},
		},
	})
	ack := readFrame(t, conn)
	if ack.Type != FrameEventAccepted || ack.EventID == "" {
		t.Fatalf("unexpected publish ack: %+v", ack)
	}

	events := fix.publisher.received()
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	if events[0].Source != schema.SourceDuplexClient {
		t.Fatalf("expected source %s, got %s", schema.SourceDuplexClient, events[0].Source)
	}
	if events[0].SubjectID != "rider-9" {
		t.Fatalf("expected subject stamped from principal, got %q", events[0].SubjectID)
	}
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "rider-token")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	sendFrame(t, conn, clientFrame{
		Type:       FrameSubscribe,
		EventTypes: []schema.EventType{schema.EventFleetAlert},
	})
	ack := readFrame(t, conn)
	if ack.Type != FrameSubscribeSuccess {
		t.Fatalf("unexpected subscribe ack: %+v", ack)
	}
	if fix.registry.Size() != 2 {
		t.Fatalf("expected 2 subscriptions before disconnect, got %d", fix.registry.Size())
	}

	sendFrame(t, conn, clientFrame{Type: FrameDisconnect})

	waitFor(t, 2*time.Second, func() bool {
		return fix.registry.Size() == 0 && fix.manager.ConnectionCount() == 0
	})
}

func TestConnectionCapRejectsExtraClients(t *testing.T) {
	cfg := testDuplexConfig()
	cfg.MaxConnections = 1
	fix := newDuplexFixture(t, cfg)

	conn, frame := dialAndAuth(t, fix, "admin-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, fix.url, nil); err == nil {
		t.Fatal("expected dial to fail at connection capacity")
	}
}

func TestHeartbeatBroadcastCarriesClientCount(t *testing.T) {
	cfg := testDuplexConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	fix := newDuplexFixture(t, cfg)

	conn, frame := dialAndAuth(t, fix, "admin-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := readFrame(t, conn)
		if got.Type == FrameHeartbeat {
			if got.ConnectedClients != 1 {
				t.Fatalf("expected 1 connected client, got %d", got.ConnectedClients)
			}
			if got.Timestamp == "" {
				t.Fatal("heartbeat frame missing timestamp")
			}
			return
		}
	}
	t.Fatal("no heartbeat frame observed")
}

func TestHeartbeatFrameFromClientIsEchoed(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "admin-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	sendFrame(t, conn, clientFrame{Type: FrameHeartbeat})
	got := readFrame(t, conn)
	if got.Type != FrameHeartbeat || got.Timestamp == "" {
		t.Fatalf("unexpected heartbeat reply: %+v", got)
	}
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	fix := newDuplexFixture(t, testDuplexConfig())

	conn, frame := dialAndAuth(t, fix, "admin-token")
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if frame.Type != FrameAuthSuccess {
		t.Fatalf("auth failed: %+v", frame)
	}

	sendFrame(t, conn, clientFrame{Type: "telemetry"})
	got := readFrame(t, conn)
	if got.Type != FrameError || got.Code != string(errs.CodeValidation) {
		t.Fatalf("unexpected reply to unknown frame: %+v", got)
	}
}
