// Command fleetbus launches the event backbone runtime entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/etchmuzik/fleetbus/config"
	"github.com/etchmuzik/fleetbus/internal/audit"
	"github.com/etchmuzik/fleetbus/internal/identity"
	"github.com/etchmuzik/fleetbus/internal/observability"
	"github.com/etchmuzik/fleetbus/internal/queue"
	"github.com/etchmuzik/fleetbus/internal/registry"
	"github.com/etchmuzik/fleetbus/internal/relay"
	"github.com/etchmuzik/fleetbus/internal/router"
	"github.com/etchmuzik/fleetbus/internal/schema"
	httpserver "github.com/etchmuzik/fleetbus/internal/server/http"
	"github.com/etchmuzik/fleetbus/internal/sse"
	"github.com/etchmuzik/fleetbus/internal/telemetry"
	"github.com/etchmuzik/fleetbus/internal/ws"
)

const (
	defaultConfigPath        = "config/fleetbus.yaml"
	backboneLoggerPrefix     = "fleetbus "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	adapterShutdownTimeout   = 5 * time.Second
	queueShutdownTimeout     = 10 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrateTimeout           = time.Minute
	tokensEnvVar             = "FLEETBUS_API_TOKENS"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBackboneLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	configPath := cfgPathFlag
	if configPath == "" {
		configPath = defaultConfigPath
	}
	settings, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s", settings.Environment)

	telemetryProvider, err := initTelemetry(ctx, logger, settings.Environment, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	metrics := observability.NewRuntimeMetrics()
	reg := registry.New()

	auditStore, auditPool, err := buildAuditStore(ctx, logger, settings.Audit)
	if err != nil {
		logger.Fatalf("initialise audit store: %v", err)
	}

	queues := queue.NewManager(settings.Queue, metrics)
	eventRouter := router.New(reg, queues, auditStore, metrics)

	relayClient := buildRelayClient(logger, settings.Relay, metrics)
	if err := registerTopics(queues, settings.Queue, eventRouter, relayClient); err != nil {
		logger.Fatalf("register queue topics: %v", err)
	}

	verifier := buildVerifier(logger)

	duplex := ws.NewManager(settings.Duplex, verifier, reg, eventRouter, metrics)
	duplex.Start()
	eventRouter.BindChannel(registry.ChannelDuplex, duplex)

	stream := sse.NewManager(settings.Stream, verifier, reg, metrics)
	stream.Start()
	eventRouter.BindChannel(registry.ChannelStream, stream)

	var lifecycle conc.WaitGroup
	startRegistrySweeper(ctx, &lifecycle, logger, reg, settings.Registry)

	apiServer := buildAPIServer(settings, verifier, eventRouter, reg, queues, relayClient, metrics, duplex, stream)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("ingress API listening on %s", apiServer.Addr)

	logger.Print("fleetbus started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		duplex:     duplex,
		stream:     stream,
		queues:     queues,
		auditPool:  auditPool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBackboneLogger() *log.Logger {
	return log.New(os.Stdout, backboneLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// buildAuditStore selects postgres when a DSN is configured, falling back
// to the in-memory store for local runs.
func buildAuditStore(ctx context.Context, logger *log.Logger, cfg config.AuditConfig) (audit.Store, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		logger.Print("audit store: in-memory (no DSN configured)")
		return audit.NewMemoryStore(), nil, nil
	}

	migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()
	if err := audit.Migrate(migrateCtx, cfg.DSN, cfg.MigrationsDir); err != nil {
		return nil, nil, fmt.Errorf("run audit migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping audit database: %w", err)
	}
	logger.Print("audit store: postgres")
	return audit.NewPostgresStore(pool), pool, nil
}

func buildRelayClient(logger *log.Logger, cfg config.RelayConfig, metrics *observability.RuntimeMetrics) *relay.Client {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		logger.Print("relay disabled: no webhook URL configured")
		return nil
	}
	client, err := relay.NewClient(cfg, metrics)
	if err != nil {
		logger.Fatalf("initialise relay client: %v", err)
	}
	logger.Printf("relay configured: %s", cfg.WebhookURL)
	return client
}

// registerTopics binds the three delivery topics: inbound events run the
// router pipeline, notifications fan out only, webhooks post to the relay.
func registerTopics(queues *queue.Manager, cfg config.QueueConfig, eventRouter *router.Router, relayClient *relay.Client) error {
	if err := queues.Register(queue.TopicEvents, cfg.Events, eventRouter.ProcessEvent); err != nil {
		return err
	}
	if err := queues.Register(queue.TopicNotifications, cfg.Notifications, eventRouter.ProcessNotification); err != nil {
		return err
	}
	var webhookHandler queue.Handler = dropWebhook
	if relayClient != nil {
		webhookHandler = relayClient.Deliver
	}
	return queues.Register(queue.TopicWebhooks, cfg.Webhooks, webhookHandler)
}

func dropWebhook(context.Context, *schema.Event) error { return nil }

// buildVerifier reads static API credentials from the environment as
// comma-separated token=subject:role entries.
func buildVerifier(logger *log.Logger) identity.Verifier {
	verifier := identity.NewStaticVerifier(nil)
	raw := strings.TrimSpace(os.Getenv(tokensEnvVar))
	if raw == "" {
		logger.Printf("no %s configured; all authenticated endpoints will refuse access", tokensEnvVar)
		return verifier
	}
	granted := 0
	for _, entry := range strings.Split(raw, ",") {
		token, principal, ok := parseTokenEntry(entry)
		if !ok {
			logger.Printf("skipping malformed token entry %q", entry)
			continue
		}
		verifier.Grant(token, principal)
		granted++
	}
	logger.Printf("static verifier initialised: %d credential(s)", granted)
	return verifier
}

func parseTokenEntry(entry string) (string, identity.Principal, bool) {
	entry = strings.TrimSpace(entry)
	token, rest, ok := strings.Cut(entry, "=")
	if !ok {
		return "", identity.Principal{}, false
	}
	subject, role, ok := strings.Cut(rest, ":")
	if !ok || token == "" || subject == "" || !identity.Role(role).Valid() {
		return "", identity.Principal{}, false
	}
	return token, identity.Principal{Subject: subject, Role: identity.Role(role)}, true
}

func startRegistrySweeper(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, reg *registry.Registry, cfg config.RegistryConfig) {
	if cfg.SweepInterval <= 0 || cfg.MaxAge <= 0 {
		return
	}
	lifecycle.Go(func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := reg.EvictIdle(cfg.MaxAge); evicted > 0 {
					logger.Printf("registry sweep evicted %d stale subscription(s)", evicted)
				}
			}
		}
	})
}

func buildAPIServer(settings config.Settings, verifier identity.Verifier, eventRouter *router.Router, reg *registry.Registry, queues *queue.Manager, relayClient *relay.Client, metrics *observability.RuntimeMetrics, duplex *ws.Manager, stream *sse.Manager) *http.Server {
	var probe httpserver.RelayProbe
	if relayClient != nil {
		probe = relayClient
	}
	handler := httpserver.NewHandler(settings.Environment, settings.Server, verifier, eventRouter, reg, queues, probe, metrics, httpserver.Options{
		DuplexHandler: duplex,
		StreamHandler: stream,
	})
	return &http.Server{
		Addr:              settings.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: settings.Server.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("ingress server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	duplex     *ws.Manager
	stream     *sse.Manager
	queues     *queue.Manager
	auditPool  *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping ingress server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.duplex != nil {
		shutdownStep("closing duplex connections", adapterShutdownTimeout, cfg.duplex.Shutdown)
	}
	if cfg.stream != nil {
		shutdownStep("closing event streams", adapterShutdownTimeout, cfg.stream.Shutdown)
	}

	if cfg.queues != nil {
		shutdownStep("draining delivery queues", queueShutdownTimeout, cfg.queues.Shutdown)
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.auditPool != nil {
		logger.Print("shutdown: closing audit pool")
		cfg.auditPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
