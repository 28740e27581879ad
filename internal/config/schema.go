// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the session broker.
package config

// Config is the root configuration structure for beamcoded.
type Config struct {
	Version   string                   `json:"version"`
	Server    ServerConfig             `json:"server"`
	Adapters  map[string]AdapterConfig `json:"adapters"`
	Registry  RegistryConfig           `json:"registry"`
	Breaker   BreakerConfig            `json:"breaker"`
	RateLimit RateLimitConfig          `json:"rate_limit"`
	Consumer  ConsumerConfig           `json:"consumer"`
	Recovery  RecoveryConfig           `json:"recovery"`
	Tracer    TracerConfig             `json:"tracer"`
	Events    EventsConfig             `json:"events"`
	Logging   LoggingConfig            `json:"logging"`
}

// ServerConfig configures the HTTP+WS server (spec.md §6).
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token"`    // optional bearer token required on /api/* requests
	TLSCert string `json:"tls_cert"` // path to TLS certificate file (enables HTTPS if both cert and key set)
	TLSKey  string `json:"tls_key"`  // path to TLS private key file
}

// AdapterConfig configures one backend adapter's launch settings (spec.md §4.1).
type AdapterConfig struct {
	Enabled           bool              `json:"enabled"`
	BinaryPath        string            `json:"binary_path"`
	Args              []string          `json:"args"`
	Env               map[string]string `json:"env"`
	ListenHost        string            `json:"listen_host"`         // inverted-connection adapters: address the CLI dials back to
	InitializeTimeout string            `json:"initialize_timeout"`  // duration string, e.g. "20s"
	BaseURL           string            `json:"base_url"`            // direct-connect adapters: the backend's own HTTP endpoint
}

// RegistryConfig configures the Session Registry (spec.md §4.4).
type RegistryConfig struct {
	DataDir          string `json:"data_dir"`
	MaxSessions      int    `json:"max_sessions"`
	DebounceInterval string `json:"debounce_interval"` // duration string, e.g. "250ms"
}

// BreakerConfig configures the default Circuit Breaker tunables every
// session's breaker is constructed with (spec.md §4.3).
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	Window           string `json:"window"`        // duration string, e.g. "60s"
	RecoveryTime     string `json:"recovery_time"` // duration string, e.g. "30s"
	SuccessThreshold int    `json:"success_threshold"`
	CrashThreshold   string `json:"crash_threshold"` // duration string; uptime below this counts as a crash
}

// RateLimitConfig configures the per-consumer token bucket (spec.md §4.11).
type RateLimitConfig struct {
	Capacity          float64 `json:"capacity"`
	RefillInterval    string  `json:"refill_interval"` // duration string, e.g. "1s"
	TokensPerInterval float64 `json:"tokens_per_interval"`
}

// ConsumerConfig configures the Consumer Broadcaster (spec.md §4.6).
type ConsumerConfig struct {
	HistoryCap            int `json:"history_cap"`
	ReplayCap             int `json:"replay_cap"`
	BackpressureHighWaterMarkBytes int `json:"backpressure_high_water_mark_bytes"`
	MaxInboundFrameBytes  int `json:"max_inbound_frame_bytes"`
}

// RecoveryConfig configures the Recovery Service's dedup window (spec.md §4.10).
type RecoveryConfig struct {
	DedupWindow string `json:"dedup_window"` // duration string, e.g. "3s"
}

// TracerConfig toggles the best-effort Message Tracer/Metrics tap (component 11).
type TracerConfig struct {
	Enabled    bool    `json:"enabled"`
	ReportsDir string  `json:"reports_dir"`
	MaxAge     string  `json:"max_age"` // duration string, supports a trailing "d" for days
	SampleRate float64 `json:"sample_rate"`
}

// EventsConfig configures the in-process domain event bus's history retention.
type EventsConfig struct {
	History HistoryConfig `json:"history"`
}

// HistoryConfig bounds the event bus's in-memory history buffer.
type HistoryConfig struct {
	MaxEvents int    `json:"max_events"`
	MaxAge    string `json:"max_age"` // duration string, e.g. "1h"
}

// LoggingConfig configures the daemon's plain log.Printf output.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}
