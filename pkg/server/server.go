// Package server wires the planguard control plane together.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/planguard/control-plane/internal/api"
	"github.com/planguard/control-plane/internal/api/handlers"
	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/config"
	"github.com/planguard/control-plane/internal/eventstream"
	"github.com/planguard/control-plane/internal/execution"
	"github.com/planguard/control-plane/internal/notify"
	"github.com/planguard/control-plane/internal/planning"
	"github.com/planguard/control-plane/internal/policy"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/internal/telemetry"
	"github.com/planguard/control-plane/internal/toolgw"
)

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the selected storage backend.
	Store store.Store

	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error

	broker   *eventstream.Broker
	nats     *eventstream.NATSPublisher
	notifier *notify.Service
}

// New initializes the control plane from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, attribute.String("planguard.store", cfg.Store.Driver))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	boot, err := capability.LoadBootstrap(cfg.Capabilities.BootstrapFile)
	if err != nil {
		dataStore.Close()
		return nil, err
	}
	registry := capability.NewRegistry(dataStore)
	if err := registry.Load(ctx, boot.Capabilities); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	ops := capability.NewOperationMap(boot.Operations)
	log.Info().Int("capabilities", registry.Len()).Int("operations", len(boot.Operations)).Msg("✅ Capability registry loaded")

	pol := policy.NewEngine(registry, ops, dataStore)

	gw := toolgw.NewGateway(dataStore, registry, ops, cfg.Collaborator.ProbeTimeout)
	if err := gw.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to restore tool providers")
	}

	var planner collaborator.Planner
	if cfg.Collaborator.PlannerURL != "" {
		planner = collaborator.NewHTTPPlanner(cfg.Collaborator.PlannerURL, cfg.Collaborator.PlannerTimeout)
		log.Info().Str("url", cfg.Collaborator.PlannerURL).Msg("✅ Planner configured")
	} else {
		log.Warn().Msg("No planner configured; prompts must carry a plan")
	}
	var remote collaborator.Executor
	if cfg.Collaborator.ExecutorURL != "" {
		remote = collaborator.NewHTTPExecutor(cfg.Collaborator.ExecutorURL, cfg.Collaborator.ExecutorTimeout)
		log.Info().Str("url", cfg.Collaborator.ExecutorURL).Msg("✅ Executor configured")
	}
	executor := collaborator.NewRouter(gw, remote, collaborator.NewLocalExecutor())

	srv := &Server{
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		broker:       eventstream.NewBroker(64),
		notifier:     notify.NewService(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret),
	}

	sinks := eventstream.MultiSink{srv.broker}
	if cfg.Events.NATSURL != "" {
		pub, err := eventstream.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.NATSSubject)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable; events stay in-process")
		} else {
			srv.nats = pub
			sinks = append(sinks, pub)
		}
	}
	if srv.notifier.Enabled() {
		log.Info().Msg("✅ Webhook notifications enabled")
	}

	engine := execution.NewEngine(dataStore, pol, executor,
		execution.WithSink(sinks),
		execution.WithNotifier(srv.notifier),
		execution.WithStepTimeout(cfg.Collaborator.ExecutorTimeout),
	)
	planSvc := planning.NewService(dataStore, pol, planner, srv.notifier)

	h := handlers.New(dataStore, registry, ops, planSvc, engine, gw, srv.broker)
	srv.Handler = api.NewRouter(cfg, h)
	return srv, nil
}

// OpenStore opens and migrates the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		s := store.NewMemoryStore(cfg.DataDir)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("✅ SQLite store initialized")
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// StopStreams disconnects SSE subscribers so their handlers return.
func (s *Server) StopStreams() { s.broker.Close() }

// Close stops streaming, waits for pending webhooks and releases the store
// and telemetry.
func (s *Server) Close(ctx context.Context) error {
	s.broker.Close()
	var errs []error
	if s.nats != nil {
		errs = append(errs, s.nats.Close())
	}
	done := make(chan struct{})
	go func() {
		s.notifier.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Timed out waiting for webhook deliveries")
	}
	errs = append(errs, s.Store.Close())
	if s.ShutdownFunc != nil {
		errs = append(errs, s.ShutdownFunc(ctx))
	}
	return errors.Join(errs...)
}
