// Package relay forwards eligible events to the external workflow engine
// over an authenticated webhook.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/schema"
	"github.com/etchmuzik/fleetbus/internal/telemetry"
)

const (
	payloadSource = "fleetbus"
	testTimeout   = 10 * time.Second
	operationTest = "test_connection"
)

// eligible lists the event types forwarded to the workflow engine. Everything
// else stays internal to the backbone.
var eligible = map[schema.EventType]struct{}{
	schema.EventRiderLocationUpdate: {},
	schema.EventExpenseSubmitted:    {},
	schema.EventExpenseUpdated:      {},
	schema.EventDocumentUploaded:    {},
	schema.EventDocumentVerified:    {},
	schema.EventBikeStatus:          {},
	schema.EventBikeAssigned:        {},
}

// Eligible reports whether events of this type are relayed externally.
func Eligible(typ schema.EventType) bool {
	_, ok := eligible[typ]
	return ok
}

// Payload is the wire shape the workflow engine expects.
type Payload struct {
	Operation string          `json:"operation"`
	Data      map[string]any  `json:"data"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	EventID   string          `json:"eventId"`
	Priority  schema.Priority `json:"priority,omitempty"`
}

// BatchItem is one entry of a batch sync request.
type BatchItem struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
}

type batchPayload struct {
	Batch     bool            `json:"batch"`
	Items     []batchItemBody `json:"items"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	EventID   string          `json:"eventId"`
}

type batchItemBody struct {
	Operation string         `json:"operation"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Status reports relay health for the control surface.
type Status struct {
	Connected  bool   `json:"connected"`
	WebhookURL string `json:"webhookUrl"`
	LastError  string `json:"lastError,omitempty"`
}

// Client posts payloads to the configured webhook. Each Deliver call is one
// attempt; the webhooks queue owns the retry budget, so a failed post must
// surface as an error rather than retry internally.
type Client struct {
	webhookURL string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *observability.RuntimeMetrics

	mu        sync.Mutex
	lastError string

	deliveryCounter metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewClient builds a relay client from settings. The webhook URL must be set;
// a blank API key disables the Authorization header.
func NewClient(cfg config.RelayConfig, metrics *observability.RuntimeMetrics) (*Client, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errs.New("relay", errs.CodeValidation, errs.WithField("webhookURL"), errs.WithMessage("webhook URL required"))
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := new(http.Client)
	httpClient.Timeout = timeout

	var limiter *rate.Limiter
	if cfg.PostsPerSecond > 0 {
		burst := cfg.PostBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.PostsPerSecond), burst)
	}

	c := &Client{
		webhookURL: strings.TrimRight(cfg.WebhookURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		metrics:    metrics,
	}
	meter := otel.Meter("relay")
	c.deliveryCounter, _ = meter.Int64Counter("relay.deliveries",
		metric.WithDescription("Webhook posts by result"),
		metric.WithUnit("{post}"))
	c.requestDuration, _ = meter.Float64Histogram("relay.request.duration",
		metric.WithDescription("Webhook request latency"),
		metric.WithUnit("ms"))
	return c, nil
}

// Deliver posts one event to the webhook. Ineligible events are a no-op so
// the client can be used directly as the webhooks topic handler.
func (c *Client) Deliver(ctx context.Context, evt *schema.Event) error {
	if evt == nil {
		return errs.New("relay", errs.CodeValidation, errs.WithField("event"), errs.WithMessage("event required"))
	}
	if !Eligible(evt.Type) {
		return nil
	}

	data := make(map[string]any, len(evt.Payload)+2)
	for k, v := range evt.Payload {
		data[k] = v
	}
	data["id"] = evt.ID
	if evt.SubjectID != "" {
		data["userId"] = evt.SubjectID
	}
	data["source"] = string(evt.Source)

	payload := Payload{
		Operation: string(evt.Type),
		Data:      data,
		Timestamp: evt.Timestamp.Format(time.RFC3339Nano),
		Source:    payloadSource,
		EventID:   evt.ID,
		Priority:  evt.Priority,
	}
	return c.post(ctx, string(evt.Type), payload, c.httpClient)
}

// TriggerSync posts a single entity change outside the event flow, for
// example after a bulk import.
func (c *Client) TriggerSync(ctx context.Context, entity, id, action string, data map[string]any) error {
	if entity == "" || id == "" || action == "" {
		return errs.New("relay", errs.CodeValidation, errs.WithMessage("entity, id and action required"))
	}
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body["id"] = id

	operation := entity + "_" + action
	payload := Payload{
		Operation: operation,
		Data:      body,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    payloadSource,
		EventID:   uuid.NewString(),
		Priority:  syncPriority(entity, action),
	}
	return c.post(ctx, operation, payload, c.httpClient)
}

// TriggerBatchSync posts several entity changes as one batch payload.
func (c *Client) TriggerBatchSync(ctx context.Context, items []BatchItem) error {
	if len(items) == 0 {
		return errs.New("relay", errs.CodeValidation, errs.WithField("items"), errs.WithMessage("at least one item required"))
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	bodies := make([]batchItemBody, 0, len(items))
	for _, item := range items {
		data := make(map[string]any, len(item.Data)+1)
		for k, v := range item.Data {
			data[k] = v
		}
		data["id"] = item.ID
		bodies = append(bodies, batchItemBody{
			Operation: item.Type + "_" + item.Action,
			Data:      data,
			Timestamp: now,
		})
	}
	payload := batchPayload{
		Batch:     true,
		Items:     bodies,
		Timestamp: now,
		Source:    payloadSource,
		EventID:   uuid.NewString(),
	}
	return c.post(ctx, "batch_sync", payload, c.httpClient)
}

// TestConnection posts a probe payload with a short timeout and reports
// reachability without consuming the delivery retry budget.
func (c *Client) TestConnection(ctx context.Context) bool {
	probe := Payload{
		Operation: operationTest,
		Data: map[string]any{
			"message":   "connectivity probe",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    payloadSource,
		EventID:   uuid.NewString(),
		Priority:  schema.PriorityLow,
	}
	probeClient := new(http.Client)
	probeClient.Timeout = testTimeout
	return c.post(ctx, operationTest, probe, probeClient) == nil
}

// Status probes the webhook and returns connectivity plus the last delivery
// error observed.
func (c *Client) Status(ctx context.Context) Status {
	connected := c.TestConnection(ctx)
	c.mu.Lock()
	lastError := c.lastError
	c.mu.Unlock()
	return Status{Connected: connected, WebhookURL: c.webhookURL, LastError: lastError}
}

func (c *Client) post(ctx context.Context, operation string, payload any, client *http.Client) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("relay pacing: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode relay payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.recordFailure(ctx, operation, elapsed, err.Error())
		return errs.New("relay", errs.CodeNetwork, errs.WithMessage("webhook post failed"), errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Sprintf("webhook status %d", resp.StatusCode)
		c.recordFailure(ctx, operation, elapsed, statusErr)
		return errs.New("relay", errs.CodeRelay, errs.WithMessage(statusErr))
	}

	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncrementRelayDelivered()
	}
	c.record(ctx, operation, "success", elapsed)
	observability.Log().Debug("relay delivered",
		observability.F("operation", operation),
		observability.F("elapsed_ms", elapsed.Milliseconds()))
	return nil
}

func (c *Client) recordFailure(ctx context.Context, operation string, elapsed time.Duration, message string) {
	c.mu.Lock()
	c.lastError = message
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncrementRelayFailed()
	}
	c.record(ctx, operation, "error", elapsed)
	observability.Log().Warn("relay delivery failed",
		observability.F("operation", operation),
		observability.F("error", message))
}

func (c *Client) record(ctx context.Context, operation, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(append(
		telemetry.OperationResultAttributes(telemetry.Environment(), operation, result),
		telemetry.AttrChannel.String(telemetry.ChannelRelay))...)
	if c.deliveryCounter != nil {
		c.deliveryCounter.Add(ctx, 1, attrs)
	}
	if c.requestDuration != nil {
		c.requestDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

// syncPriority mirrors the priority rules used for entity sync operations:
// new expenses and documents are high, updates medium, everything else low.
func syncPriority(entity, action string) schema.Priority {
	if (entity == "expense" || entity == "document") && action == "created" {
		return schema.PriorityHigh
	}
	if action == "updated" {
		return schema.PriorityMedium
	}
	return schema.PriorityLow
}
