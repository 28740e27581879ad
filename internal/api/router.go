// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/teng-lin/beamcode/internal/adapter/claudesdk"
	"github.com/teng-lin/beamcode/internal/config"
	"github.com/teng-lin/beamcode/internal/events"
	"github.com/teng-lin/beamcode/internal/api/middleware"
	"github.com/teng-lin/beamcode/internal/registry"
	"github.com/teng-lin/beamcode/internal/session"
	"github.com/teng-lin/beamcode/internal/tracer"
)

// ServerConfig holds the HTTP/WS server's own configuration (spec.md §6),
// grounded on trellis's api.ServerConfig.
type ServerConfig struct {
	Host    string
	Port    int
	Token   string // bearer token required on /api/*; empty disables auth
	TLSCert string
	TLSKey  string
}

// Dependencies holds every collaborator the API facade needs. Unlike
// trellis's sprawling Dependencies (one field per UI feature), BeamCode has
// exactly the components spec.md §6 names.
type Dependencies struct {
	Coordinator    *session.Coordinator
	Registry       *registry.Registry
	EventBus       events.EventBus
	Tracer         *tracer.Tracer
	ClaudeSDKReg   *claudesdk.Registry // nil unless the claude-sdk adapter is enabled
	ConsumerConfig config.ConsumerConfig
	RateLimit      config.RateLimitConfig
	Version        string
	Auth           Authenticator // nil uses DefaultAuthenticator
}

// NewRouter builds the mux.Router serving spec.md §6's surface: the two
// WebSocket endpoints unauthenticated (the session id itself is the
// capability for inverted CLI callbacks; consumer auth is handled by the
// injected Authenticator), and /api/* gated by the optional bearer token.
// Global middleware order mirrors trellis's router.go (Logging, Recovery,
// CORS).
func NewRouter(cfg ServerConfig, deps Dependencies) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	rlCfg := session.RateLimiterConfig{
		Capacity:          deps.RateLimit.Capacity,
		RefillInterval:    config.ParseDuration(deps.RateLimit.RefillInterval, time.Second),
		TokensPerInterval: deps.RateLimit.TokensPerInterval,
	}
	if rlCfg.Capacity <= 0 {
		rlCfg = session.DefaultRateLimiterConfig()
	}

	consumer := newConsumerHandler(deps.Coordinator, deps.Auth, rlCfg)
	r.Handle("/ws/consumer/{sessionId}", consumer).Methods("GET")

	if deps.ClaudeSDKReg != nil {
		cli := newCLIHandler(deps.ClaudeSDKReg)
		r.Handle("/ws/cli/{sessionId}", cli).Methods("GET")
	}

	health := newHealthHandler(deps.Registry, deps.Tracer, deps.Version)
	r.HandleFunc("/health", health.Health).Methods("GET")
	r.HandleFunc("/metrics", health.Metrics).Methods("GET")

	sessions := newSessionsHandler(deps.Coordinator, deps.Registry)
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.RequireToken(cfg.Token))
	apiRouter.HandleFunc("/sessions", sessions.List).Methods("GET")
	apiRouter.HandleFunc("/sessions", sessions.Create).Methods("POST")
	apiRouter.HandleFunc("/sessions/{id}", sessions.Get).Methods("GET")
	apiRouter.HandleFunc("/sessions/{id}", sessions.Delete).Methods("DELETE")
	apiRouter.HandleFunc("/sessions/{id}/rename", sessions.Rename).Methods("PUT")

	return r
}

// Server is the HTTP/WS server wrapping the router (spec.md §6), grounded on
// trellis's api.Server (NewServer/Router/ListenAndServe/Shutdown shape and
// TLS auto-detection via CheckTLSConfig).
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer constructs a Server ready to ListenAndServe.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(cfg, deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router, mainly for tests that want to drive
// requests with httptest without a live listener.
func (s *Server) Router() *mux.Router { return s.router }

// ListenAndServe starts the server, serving HTTPS if both TLSCert and
// TLSKey are configured.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}
	if tlsEnabled {
		log.Printf("beamcoded: API server listening on https://%s", addr)
		return s.server.ListenAndServeTLS(expandPath(s.cfg.TLSCert), expandPath(s.cfg.TLSKey))
	}

	log.Printf("beamcoded: API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(shutdownCtx)
}
