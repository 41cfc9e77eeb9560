package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/internal/identity"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/registry"
	"github.com/etchmuzik/fleetbus/internal/relay"
	"github.com/etchmuzik/fleetbus/internal/schema"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []schema.RawEvent
}

func (p *capturePublisher) Publish(_ context.Context, raw schema.RawEvent) (*schema.Event, error) {
	evt, err := schema.Validate(raw, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.events = append(p.events, raw)
	p.mu.Unlock()
	return evt, nil
}

func (p *capturePublisher) received() []schema.RawEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.RawEvent, len(p.events))
	copy(out, p.events)
	return out
}

type staticProbe struct {
	status relay.Status
}

func (p staticProbe) Status(context.Context) relay.Status { return p.status }

type apiFixture struct {
	server    *httptest.Server
	registry  *registry.Registry
	publisher *capturePublisher
}

func newAPIFixture(t *testing.T, cfg config.ServerConfig, probe RelayProbe) *apiFixture {
	t.Helper()
	verifier := identity.NewStaticVerifier(nil)
	verifier.Grant("admin-token", identity.Principal{Subject: "admin-1", Role: identity.RoleAdmin})
	verifier.Grant("ops-token", identity.Principal{Subject: "ops-1", Role: identity.RoleOperations})

	reg := registry.New()
	publisher := &capturePublisher{}
	handler := NewHandler(config.EnvDev, cfg, verifier, publisher, reg, nil, probe, observability.NewRuntimeMetrics(), Options{})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, registry: reg, publisher: publisher}
}

func doJSON(t *testing.T, fix *apiFixture, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, fix.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := fix.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		MaxBodyBytes:    1 << 20,
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
	}
}

func TestPostEventAcceptsAndStampsSource(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, body := doJSON(t, fix, http.MethodPost, "/events", "ops-token", map[string]any{
		"type": "rider_location_update",
		"payload": map[string]any{
			"riderId":   "rider-7",
			"latitude":  25.2048,
			"longitude": 55.2708,
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", resp.StatusCode, body)
	}
	if body["eventId"] == "" || body["status"] != "queued" {
		t.Fatalf("unexpected response: %v", body)
	}

	events := fix.publisher.received()
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	if events[0].Source != schema.SourcePublicAPI {
		t.Fatalf("expected source %s, got %s", schema.SourcePublicAPI, events[0].Source)
	}
	if events[0].SubjectID != "ops-1" {
		t.Fatalf("expected subject stamped from caller, got %q", events[0].SubjectID)
	}
}

func TestPostEventRequiresToken(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, _ := doJSON(t, fix, http.MethodPost, "/events", "", map[string]any{
		"type": "fleet_alert",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPostEventRejectsInvalidPayload(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, body := doJSON(t, fix, http.MethodPost, "/events", "ops-token", map[string]any{
		"type":    "rider_location_update",
		"payload": map[string]any{"riderId": "rider-7"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, body)
	}
	if body["code"] != "validation" {
		t.Fatalf("expected validation code, got %v", body["code"])
	}
}

func TestPostEventMethodNotAllowed(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, _ := doJSON(t, fix, http.MethodGet, "/events", "ops-token", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", allow)
	}
}

func TestBatchReportsPerEventOutcomes(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, body := doJSON(t, fix, http.MethodPost, "/events/batch", "ops-token", map[string]any{
		"events": []map[string]any{
			{
				"type":    "fleet_alert",
				"payload": map[string]any{"severity": "high", "message": "bike down in al-quoz"},
			},
			{
				"type":    "rider_location_update",
				"payload": map[string]any{"riderId": "rider-7"},
			},
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", resp.StatusCode, body)
	}
	if body["accepted"] != float64(1) {
		t.Fatalf("expected 1 accepted, got %v", body["accepted"])
	}
	rejected, ok := body["rejected"].([]any)
	if !ok || len(rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %v", body["rejected"])
	}
	rejection := rejected[0].(map[string]any)
	if rejection["index"] != float64(1) || rejection["code"] != "validation" {
		t.Fatalf("unexpected rejection: %v", rejection)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, created := doJSON(t, fix, http.MethodPost, "/subscriptions", "ops-token", map[string]any{
		"eventTypes": []string{"fleet_alert"},
		"filters":    map[string]any{"zone": "al-quoz"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, created)
	}
	id, _ := created["id"].(string)
	if id == "" || created["channel"] != "relay" {
		t.Fatalf("unexpected subscription: %v", created)
	}

	resp, listed := doJSON(t, fix, http.MethodGet, "/subscriptions", "ops-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	subs, ok := listed["subscriptions"].([]any)
	if !ok || len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %v", listed)
	}

	resp, _ = doJSON(t, fix, http.MethodDelete, "/subscriptions/"+id, "ops-token", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if fix.registry.Size() != 0 {
		t.Fatalf("expected empty registry, got %d", fix.registry.Size())
	}
}

func TestDeleteForeignSubscriptionForbidden(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	verifierSub, err := fix.registry.Subscribe("someone-else", []schema.EventType{schema.EventFleetAlert}, registry.ChannelRelay, registry.Options{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	resp, _ := doJSON(t, fix, http.MethodDelete, "/subscriptions/"+verifierSub.ID, "ops-token", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, fix, http.MethodDelete, "/subscriptions/"+verifierSub.ID, "admin-token", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected admin delete to pass, got %d", resp.StatusCode)
	}
}

func TestDeleteUnknownSubscriptionNotFound(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	resp, _ := doJSON(t, fix, http.MethodDelete, "/subscriptions/nope", "ops-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRateLimitReturnsTooManyRequests(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimitPerSec = 0.001
	cfg.RateLimitBurst = 1
	fix := newAPIFixture(t, cfg, nil)

	resp, _ := doJSON(t, fix, http.MethodGet, "/subscriptions", "ops-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, fix, http.MethodGet, "/subscriptions", "ops-token", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointsOpen(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, _ := doJSON(t, fix, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestMetricsSnapshot(t *testing.T) {
	fix := newAPIFixture(t, testServerConfig(), nil)

	if _, err := fix.registry.Subscribe("ops-1", []schema.EventType{schema.EventFleetAlert}, registry.ChannelRelay, registry.Options{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	resp, body := doJSON(t, fix, http.MethodGet, "/metrics", "admin-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["subscriptions"] != float64(1) {
		t.Fatalf("expected 1 subscription in snapshot, got %v", body["subscriptions"])
	}
	if _, ok := body["backbone"]; !ok {
		t.Fatalf("expected backbone metrics in snapshot, got %v", body)
	}
}

func TestRelayStatusEndpoint(t *testing.T) {
	probe := staticProbe{status: relay.Status{Connected: true, WebhookURL: "https://flow.example/webhook/fleet"}}
	fix := newAPIFixture(t, testServerConfig(), probe)

	resp, body := doJSON(t, fix, http.MethodGet, "/relay/status", "admin-token", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["enabled"] != true || body["connected"] != true {
		t.Fatalf("unexpected relay status: %v", body)
	}

	bare := newAPIFixture(t, testServerConfig(), nil)
	resp, body = doJSON(t, bare, http.MethodGet, "/relay/status", "admin-token", nil)
	if resp.StatusCode != http.StatusOK || body["enabled"] != false {
		t.Fatalf("expected disabled relay status, got %d %v", resp.StatusCode, body)
	}
}
