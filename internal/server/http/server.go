// Package httpserver exposes the ingress HTTP API: event submission,
// subscription management and operational endpoints.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/identity"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/queue"
	"github.com/etchmuzik/fleetbus/internal/registry"
	"github.com/etchmuzik/fleetbus/internal/relay"
	"github.com/etchmuzik/fleetbus/internal/schema"
)

const (
	component = "ingress"

	defaultMaxBodyBytes int64 = 1 << 20

	eventsPath         = "/events"
	eventsBatchPath    = "/events/batch"
	subscriptionsPath  = "/subscriptions"
	subscriptionDetail = subscriptionsPath + "/"
	healthPath         = "/health"
	healthLivePath     = "/health/live"
	healthReadyPath    = "/health/ready"
	metricsPath        = "/metrics"
	relayStatusPath    = "/relay/status"
	duplexPath         = "/ws"
	streamPath         = "/events/stream"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Publisher accepts raw events submitted over the API.
type Publisher interface {
	Publish(ctx context.Context, raw schema.RawEvent) (*schema.Event, error)
}

// RelayProbe reports external relay connectivity.
type RelayProbe interface {
	Status(ctx context.Context) relay.Status
}

type principalKey struct{}

type httpServer struct {
	environment config.Environment
	cfg         config.ServerConfig
	verifier    identity.Verifier
	publisher   Publisher
	registry    *registry.Registry
	queues      *queue.Manager
	relay       RelayProbe
	metrics     *observability.RuntimeMetrics
	startedAt   time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Options carries the optional adapter endpoints mounted alongside the API.
type Options struct {
	DuplexHandler http.Handler
	StreamHandler http.Handler
}

// NewHandler builds the ingress mux. Health endpoints are open; everything
// else requires a verifiable bearer token.
func NewHandler(environment config.Environment, cfg config.ServerConfig, verifier identity.Verifier, publisher Publisher, reg *registry.Registry, queues *queue.Manager, relayProbe RelayProbe, metrics *observability.RuntimeMetrics, opts Options) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	server := &httpServer{
		environment: environment,
		cfg:         cfg,
		verifier:    verifier,
		publisher:   publisher,
		registry:    reg,
		queues:      queues,
		relay:       relayProbe,
		metrics:     metrics,
		startedAt:   time.Now().UTC(),
		limiters:    make(map[string]*rate.Limiter),
	}

	mux := http.NewServeMux()

	mux.HandleFunc(healthPath, server.getHealth)
	mux.HandleFunc(healthLivePath, server.getHealthLive)
	mux.HandleFunc(healthReadyPath, server.getHealthReady)

	mux.Handle(eventsPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postEvent,
	})))
	mux.Handle(eventsBatchPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.postEventBatch,
	})))
	mux.Handle(subscriptionsPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listSubscriptions,
		http.MethodPost: server.createSubscription,
	})))
	mux.Handle(subscriptionDetail, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.deleteSubscription,
	})))
	mux.Handle(metricsPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getMetrics,
	})))
	mux.Handle(relayStatusPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRelayStatus,
	})))

	if opts.DuplexHandler != nil {
		mux.Handle(duplexPath, opts.DuplexHandler)
	}
	if opts.StreamHandler != nil {
		mux.Handle(streamPath, opts.StreamHandler)
	}

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

// authenticated verifies the bearer token, stores the principal on the
// request context and applies the caller's rate limit.
func (s *httpServer) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.verifier.Verify(r.Context(), identity.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeErrs(w, err)
			return
		}
		if !s.allow(principal.Subject) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *httpServer) allow(subject string) bool {
	if s.cfg.RateLimitPerSec <= 0 {
		return true
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[subject]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)
		s.limiters[subject] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func callerPrincipal(r *http.Request) identity.Principal {
	principal, _ := r.Context().Value(principalKey{}).(identity.Principal)
	return principal
}

func (s *httpServer) postEvent(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r, s.cfg.MaxBodyBytes)
	var raw schema.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeDecodeError(w, err)
		return
	}
	principal := callerPrincipal(r)
	raw.Source = schema.SourcePublicAPI
	if raw.SubjectID == "" {
		raw.SubjectID = principal.Subject
	}

	evt, err := s.publisher.Publish(r.Context(), raw)
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"eventId": evt.ID,
		"status":  "queued",
	})
}

type batchRequest struct {
	Events []schema.RawEvent `json:"events"`
}

type batchRejection struct {
	Index int    `json:"index"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *httpServer) postEventBatch(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r, s.cfg.MaxBodyBytes)
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(req.Events) == 0 {
		writeErrs(w, errs.Validation(component, "events", "at least one event required"))
		return
	}

	principal := callerPrincipal(r)
	eventIDs := make([]string, 0, len(req.Events))
	rejected := make([]batchRejection, 0)
	for i, raw := range req.Events {
		raw.Source = schema.SourcePublicAPI
		if raw.SubjectID == "" {
			raw.SubjectID = principal.Subject
		}
		evt, err := s.publisher.Publish(r.Context(), raw)
		if err != nil {
			rejected = append(rejected, batchRejection{
				Index: i,
				Code:  string(errs.CodeOf(err)),
				Error: err.Error(),
			})
			continue
		}
		eventIDs = append(eventIDs, evt.ID)
	}

	status := http.StatusAccepted
	if len(eventIDs) == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"accepted": len(eventIDs),
		"eventIds": eventIDs,
		"rejected": rejected,
	})
}

type subscriptionRequest struct {
	EventTypes []schema.EventType `json:"eventTypes"`
	Filters    map[string]any     `json:"filters,omitempty"`
}

type subscriptionResponse struct {
	ID         string             `json:"id"`
	OwnerID    string             `json:"ownerId"`
	EventTypes []schema.EventType `json:"eventTypes"`
	Filters    map[string]any     `json:"filters,omitempty"`
	Channel    string             `json:"channel"`
	CreatedAt  time.Time          `json:"createdAt"`
}

func subscriptionView(sub *registry.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:         sub.ID,
		OwnerID:    sub.OwnerID,
		EventTypes: sub.EventTypes,
		Filters:    sub.Filters,
		Channel:    string(sub.Channel),
		CreatedAt:  sub.CreatedAt,
	}
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	principal := callerPrincipal(r)
	subs := s.registry.ListOwner(principal.Subject)
	views := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

// createSubscription registers a relay-channel subscription. Push channels
// create their own subscriptions during their handshakes.
func (s *httpServer) createSubscription(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r, s.cfg.MaxBodyBytes)
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}
	principal := callerPrincipal(r)
	sub, err := s.registry.Subscribe(principal.Subject, req.EventTypes, registry.ChannelRelay, registry.Options{
		Filters: req.Filters,
	})
	if err != nil {
		writeErrs(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionView(sub))
}

func (s *httpServer) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, subscriptionDetail)
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	principal := callerPrincipal(r)
	sub := s.registry.Get(id)
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if sub.OwnerID != principal.Subject && principal.Role != identity.RoleAdmin {
		writeErrs(w, errs.New(component, errs.CodeForbidden,
			errs.WithMessage("subscription belongs to another owner")))
		return
	}
	s.registry.Unsubscribe(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) getHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": string(s.environment),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *httpServer) getHealthLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func (s *httpServer) getHealthReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	components := map[string]bool{
		"registry": s.registry != nil,
		"queues":   s.queues != nil,
		"router":   s.publisher != nil,
	}
	ready := true
	for _, ok := range components {
		ready = ready && ok
	}
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "components": components})
}

func (s *httpServer) getMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"subscriptions": s.registry.Size(),
	}
	if s.metrics != nil {
		body["backbone"] = s.metrics.Snapshot()
	}
	if s.queues != nil {
		body["topics"] = s.queues.Stats()
		body["deadLetters"] = len(s.queues.DeadLetters())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *httpServer) getRelayStatus(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	status := s.relay.Status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":    true,
		"connected":  status.Connected,
		"webhookUrl": status.WebhookURL,
		"lastError":  status.LastError,
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func limitRequestBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.Log().Error("encode response", observability.F("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

// writeErrs maps an error envelope to its HTTP status and JSON body.
func writeErrs(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), map[string]string{
		"status": "error",
		"code":   string(errs.CodeOf(err)),
		"error":  err.Error(),
	})
}
