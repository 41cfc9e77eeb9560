// Package queue runs the topic-partitioned delivery queues with bounded
// concurrency, retry with exponential backoff, and dead-lettering.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/errs"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/schema"
	"github.com/etchmuzik/fleetbus/internal/telemetry"
	"github.com/etchmuzik/fleetbus/lib/async"
)

// Topic names a delivery queue partition.
type Topic string

const (
	// TopicEvents carries validated events toward subscriber fan-out.
	TopicEvents Topic = "events"
	// TopicNotifications carries user-facing notification deliveries.
	TopicNotifications Topic = "notifications"
	// TopicWebhooks carries payloads bound for the external workflow relay.
	TopicWebhooks Topic = "webhooks"
)

// Handler processes one job attempt. A nil return acknowledges the job; an
// error triggers a retry until the topic's attempt budget is exhausted.
type Handler func(ctx context.Context, evt *schema.Event) error

// Stats is a point-in-time view of one topic's counters.
type Stats struct {
	Topic        Topic `json:"topic"`
	Pending      int   `json:"pending"`
	Completed    int64 `json:"completed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
}

type runner struct {
	topic   Topic
	cfg     config.TopicConfig
	handler Handler
	pool    *async.Pool

	mu           sync.Mutex
	completed    int64
	retried      int64
	deadLettered int64
}

// Manager owns the topic runners and the shared dead-letter log.
type Manager struct {
	mu      sync.RWMutex
	runners map[Topic]*runner
	dead    *DeadLetterLog
	metrics *observability.RuntimeMetrics

	jobCounter   metric.Int64Counter
	retryCounter metric.Int64Counter
	jobDuration  metric.Float64Histogram
}

// NewManager builds a Manager with an empty topic table. Topics are attached
// with Register before any Enqueue.
func NewManager(cfg config.QueueConfig, metrics *observability.RuntimeMetrics) *Manager {
	meter := otel.Meter("queue")
	m := &Manager{
		runners: make(map[Topic]*runner),
		dead:    NewDeadLetterLog(cfg.DeadLetterRetained),
		metrics: metrics,
	}
	m.jobCounter, _ = meter.Int64Counter("queue.jobs",
		metric.WithDescription("Queue jobs by topic and terminal result"),
		metric.WithUnit("{job}"))
	m.retryCounter, _ = meter.Int64Counter("queue.retries",
		metric.WithDescription("Retried job attempts by topic"),
		metric.WithUnit("{attempt}"))
	m.jobDuration, _ = meter.Float64Histogram("queue.job.duration",
		metric.WithDescription("End-to-end job latency including retries"),
		metric.WithUnit("ms"))
	return m
}

// Register attaches a handler to a topic and starts its worker pool.
func (m *Manager) Register(topic Topic, cfg config.TopicConfig, h Handler) error {
	if h == nil {
		return errs.New("queue", errs.CodeValidation, errs.WithField("handler"), errs.WithMessage("handler required"))
	}
	pool, err := async.NewPool(cfg.Concurrency, cfg.BufferSize)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runners[topic]; exists {
		pool.Close()
		return errs.New("queue", errs.CodeValidation, errs.WithField("topic"), errs.WithMessage("topic already registered"))
	}
	m.runners[topic] = &runner{topic: topic, cfg: cfg, handler: h, pool: pool}
	return nil
}

// Enqueue schedules the event on the topic's queue. Rejects with a capacity
// error when the topic buffer is full rather than blocking the producer.
func (m *Manager) Enqueue(ctx context.Context, topic Topic, evt *schema.Event) error {
	if evt == nil {
		return errs.New("queue", errs.CodeValidation, errs.WithField("event"), errs.WithMessage("event required"))
	}
	m.mu.RLock()
	r := m.runners[topic]
	m.mu.RUnlock()
	if r == nil {
		return errs.New("queue", errs.CodeNotFound, errs.WithField("topic"), errs.WithMessage("unknown queue topic"))
	}

	jobID := uuid.NewString()
	err := r.pool.Submit(ctx, func(taskCtx context.Context) error {
		m.runJob(taskCtx, r, jobID, evt)
		return nil
	})
	if err != nil {
		observability.Log().Warn("queue enqueue rejected",
			observability.F("topic", string(topic)),
			observability.F("event_id", evt.ID),
			observability.F("error", err.Error()))
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordQueueDepth(string(topic), r.pool.Pending())
	}
	return nil
}

// runJob drives a single job through its retry budget. Terminal failure
// records a dead letter; the job is never silently dropped.
func (m *Manager) runJob(ctx context.Context, r *runner, jobID string, evt *schema.Event) {
	start := time.Now()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.BaseDelay
	policy.MaxInterval = r.cfg.MaxDelay

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = r.handler(ctx, evt)
		if lastErr == nil {
			r.mu.Lock()
			r.completed++
			r.mu.Unlock()
			m.recordResult(ctx, r.topic, "completed", start)
			return
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.mu.Lock()
		r.retried++
		r.mu.Unlock()
		if m.retryCounter != nil {
			m.retryCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrTopic.String(string(r.topic)),
				telemetry.AttrAttempt.Int(attempt)))
		}
		observability.Log().Warn("queue job attempt failed",
			observability.F("topic", string(r.topic)),
			observability.F("job_id", jobID),
			observability.F("event_id", evt.ID),
			observability.F("attempt", attempt),
			observability.F("error", lastErr.Error()))

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = r.cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = r.cfg.MaxAttempts
		case <-time.After(sleep):
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.mu.Lock()
	r.deadLettered++
	r.mu.Unlock()
	m.dead.Record(DeadLetter{
		JobID:    jobID,
		Topic:    r.topic,
		Event:    evt,
		Attempts: r.cfg.MaxAttempts,
		LastError: func() string {
			if lastErr != nil {
				return lastErr.Error()
			}
			return ""
		}(),
		FailedAt: time.Now().UTC(),
	})
	if m.metrics != nil {
		m.metrics.RecordDeadLettered(string(r.topic), m.dead.CountFor(r.topic))
	}
	m.recordResult(ctx, r.topic, "dead_lettered", start)
	observability.Log().Error("queue job dead-lettered",
		observability.F("topic", string(r.topic)),
		observability.F("job_id", jobID),
		observability.F("event_id", evt.ID),
		observability.F("attempts", r.cfg.MaxAttempts),
		observability.F("error", lastErrText(lastErr)))
}

func lastErrText(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func (m *Manager) recordResult(ctx context.Context, topic Topic, result string, start time.Time) {
	attrs := metric.WithAttributes(
		telemetry.AttrTopic.String(string(topic)),
		telemetry.AttrResult.String(result),
		telemetry.AttrEnvironment.String(telemetry.Environment()))
	if m.jobCounter != nil {
		m.jobCounter.Add(ctx, 1, attrs)
	}
	if m.jobDuration != nil {
		m.jobDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

// Stats returns per-topic counters in no particular order.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.runners))
	for topic, r := range m.runners {
		r.mu.Lock()
		out = append(out, Stats{
			Topic:        topic,
			Pending:      r.pool.Pending(),
			Completed:    r.completed,
			Retried:      r.retried,
			DeadLettered: r.deadLettered,
		})
		r.mu.Unlock()
	}
	return out
}

// DeadLetters returns the retained dead letters, newest last.
func (m *Manager) DeadLetters() []DeadLetter {
	return m.dead.List()
}

// Shutdown drains all topic pools, waiting for in-flight jobs up to the
// context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.RUnlock()

	var errors []error
	for _, r := range runners {
		if err := r.pool.Shutdown(ctx); err != nil {
			errors = append(errors, err)
		}
	}
	return observability.AggregateErrors("queue shutdown", errors)
}
