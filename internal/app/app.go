// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires every BeamCode component together: configuration,
// domain events, the session registry, the process supervisor and its
// circuit breakers, the backend adapters, the session broker
// (internal/session), the message tracer, and the HTTP/WebSocket surface
// (internal/api). It mirrors the shape of trellis's own App container —
// New builds collaborators from config, Initialize wires them, Start
// launches background work, Run blocks for a shutdown signal.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/teng-lin/beamcode/internal/adapter"
	"github.com/teng-lin/beamcode/internal/adapter/acp"
	"github.com/teng-lin/beamcode/internal/adapter/claudesdk"
	"github.com/teng-lin/beamcode/internal/adapter/codex"
	"github.com/teng-lin/beamcode/internal/adapter/gemini"
	"github.com/teng-lin/beamcode/internal/adapter/opencode"
	"github.com/teng-lin/beamcode/internal/api"
	"github.com/teng-lin/beamcode/internal/breaker"
	"github.com/teng-lin/beamcode/internal/config"
	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/process"
	"github.com/teng-lin/beamcode/internal/registry"
	"github.com/teng-lin/beamcode/internal/session"
	"github.com/teng-lin/beamcode/internal/storage"
	"github.com/teng-lin/beamcode/internal/tracer"
)

// App is the main application container.
type App struct {
	mu sync.RWMutex

	configPath string
	version    string
	config     *config.Config

	eventBus    events.EventBus
	store       *storage.FileStore
	registry    *registry.Registry
	supervisor  *process.Supervisor
	adapters    map[string]adapter.Adapter
	coordinator *session.Coordinator
	recovery    *session.Recovery
	tracer      *tracer.Tracer
	apiServer   *api.Server

	traceStop chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// Options holds configuration options for the app.
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Version    string
}

// New creates a new App instance and loads its configuration.
func New(opts Options) (*App, error) {
	app := &App{
		configPath: opts.ConfigPath,
		version:    opts.Version,
		done:       make(chan struct{}),
	}

	loader := config.NewLoader()
	cfg, err := loader.LoadWithDefaults(context.Background(), opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	app.config = cfg

	app.eventBus = events.NewMemoryEventBus(events.MemoryBusConfig{
		HistoryMaxEvents: cfg.Events.History.MaxEvents,
		HistoryMaxAge:    config.ParseDuration(cfg.Events.History.MaxAge, time.Hour),
	})

	return app, nil
}

// relauncher adapts the Coordinator to session.Relauncher for inverted
// backend reconnection (spec.md §4.10): it reuses the session's already
// registered adapter/options to reconnect in place.
type relauncher struct {
	coord *session.Coordinator
}

func (r *relauncher) Relaunch(ctx context.Context, sessionID string) error {
	sess, ok := r.coord.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("app: relaunch: unknown session %s", sessionID)
	}
	ad, ok := r.coord.Resolve(sess.AdapterName)
	if !ok {
		return fmt.Errorf("app: relaunch: unknown adapter %s", sess.AdapterName)
	}
	return r.coord.Lifecycle().ConnectBackend(ctx, sess, session.ConnectInput{Adapter: ad, Resume: true})
}

// Initialize builds every collaborator from the loaded config.
func (app *App) Initialize(ctx context.Context) error {
	cfg := app.config

	dataDir := cfg.Registry.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	store, err := storage.NewFileStore(filepath.Join(dataDir, "sessions.json"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	app.store = store

	app.registry = registry.New(store,
		registry.WithMaxSessions(cfg.Registry.MaxSessions),
		registry.WithPersistDebounce(config.ParseDuration(cfg.Registry.DebounceInterval, 250*time.Millisecond)),
	)
	if err := app.registry.RestoreFromStorage(ctx, registry.DefaultIsAlive); err != nil {
		log.Printf("Warning: failed to restore session registry: %v", err)
	}

	app.supervisor = process.NewSupervisor(app.eventBus, nil, nil)
	app.supervisor.WithBreakerConfig(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           config.ParseDuration(cfg.Breaker.Window, 60*time.Second),
		RecoveryTime:     config.ParseDuration(cfg.Breaker.RecoveryTime, 30*time.Second),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	app.tracer = tracer.New(tracer.Config{
		Enabled:    cfg.Tracer.Enabled,
		ReportsDir: cfg.Tracer.ReportsDir,
		SampleRate: cfg.Tracer.SampleRate,
	})

	app.adapters = buildAdapters(cfg, app.supervisor, cfg.Server.Host, cfg.Server.Port)
	resolve := func(name string) (adapter.Adapter, bool) {
		ad, ok := app.adapters[name]
		return ad, ok
	}

	broadcaster := session.NewBroadcaster(app.eventBus, session.BroadcasterConfig{
		ReplayCap:     cfg.Consumer.ReplayCap,
		HighWaterMark: cfg.Consumer.BackpressureHighWaterMarkBytes,
	})
	mediator := session.NewPermissionMediator(app.eventBus, broadcaster, func() string { return uuid.NewString() })
	reducer := session.NewReducer()

	app.coordinator = session.New(session.Config{
		Registry:    app.registry,
		Broadcaster: broadcaster,
		Mediator:    mediator,
		Reducer:     reducer,
		Resolve:     resolve,
		Bus:         app.eventBus,
		Tracer:      app.tracer,
		HistoryCap:  cfg.Consumer.HistoryCap,
	})

	app.recovery = session.NewRecovery(app.registry, app.coordinator, &relauncher{coord: app.coordinator}, session.RecoveryConfig{
		DedupWindow: config.ParseDuration(cfg.Recovery.DedupWindow, 3*time.Second),
	}, session.WithBreakers(app.supervisor))
	app.recovery.Subscribe(app.eventBus)

	app.apiServer = api.NewServer(api.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Token:   cfg.Server.Token,
		TLSCert: cfg.Server.TLSCert,
		TLSKey:  cfg.Server.TLSKey,
	}, api.Dependencies{
		Coordinator:    app.coordinator,
		Registry:       app.registry,
		EventBus:       app.eventBus,
		Tracer:         app.tracer,
		ClaudeSDKReg:   claudeSDKRegistry(app.adapters),
		ConsumerConfig: cfg.Consumer,
		RateLimit:      cfg.RateLimit,
		Version:        app.version,
	})

	return nil
}

// claudeSDKRegistry extracts the claudesdk adapter's callback Registry, if
// that adapter is configured, for the /ws/cli/:sessionId handler.
func claudeSDKRegistry(adapters map[string]adapter.Adapter) *claudesdk.Registry {
	if ad, ok := adapters["claude-sdk"].(*claudesdk.Adapter); ok {
		return ad.CallbackRegistry()
	}
	return nil
}

// buildAdapters constructs one adapter.Adapter per enabled entry in
// cfg.Adapters (spec.md §4.1 "the adapter registry... immutable after
// construction").
func buildAdapters(cfg *config.Config, sup *process.Supervisor, host string, port int) map[string]adapter.Adapter {
	out := make(map[string]adapter.Adapter)
	listenAddr := fmt.Sprintf("%s:%d", host, port)
	if host == "" || host == "0.0.0.0" {
		listenAddr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	for name, ad := range cfg.Adapters {
		if !ad.Enabled {
			continue
		}
		switch name {
		case "claude-sdk":
			callbackAddr := listenAddr
			if ad.ListenHost != "" {
				callbackAddr = ad.ListenHost
			}
			out[name] = claudesdk.New(claudesdk.NewRegistry(), sup, ad.BinaryPath, callbackAddr)
		case "codex":
			out[name] = codex.New(sup, ad.BinaryPath)
		case "gemini":
			out[name] = gemini.New(ad.BaseURL)
		case "opencode":
			out[name] = opencode.New(ad.BaseURL)
		case "acp":
			out[name] = acp.New(sup, ad.BinaryPath)
		default:
			log.Printf("Warning: adapter %q is enabled but has no wiring yet", name)
		}
	}
	return out
}

// Start launches background work: the tracer's periodic flush loop and the
// HTTP/WebSocket server.
func (app *App) Start(ctx context.Context) error {
	if app.tracer != nil && app.config.Tracer.Enabled {
		app.traceStop = make(chan struct{})
		go app.tracer.Run(app.traceStop, 5*time.Minute, func(err error) {
			log.Printf("tracer: flush failed: %v", err)
		})
	}

	go func() {
		log.Printf("Starting BeamCode daemon on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()

	return nil
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(ctx); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	case <-app.done:
		log.Printf("Shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down every component.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}

	if app.traceStop != nil {
		close(app.traceStop)
	}
	if app.tracer != nil {
		if _, err := app.tracer.Flush(); err != nil {
			log.Printf("Warning: final tracer flush failed: %v", err)
		}
	}

	for _, sess := range app.coordinator.ListSessions() {
		_ = app.coordinator.DeleteSession(shutdownCtx, sess.ID)
	}

	if app.registry != nil {
		app.registry.Close()
	}
	if app.eventBus != nil {
		app.eventBus.Close()
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
