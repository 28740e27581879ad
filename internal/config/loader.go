// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hjson/hjson-go/v4"
)

// ParseDuration parses s, falling back to def if s is empty or malformed.
// Accepts a trailing "d" day unit in addition to time.ParseDuration's units.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := parseDurationWithDays(s); err == nil {
		return d
	}
	return def
}

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map.
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety).
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file in the current directory. It looks
// for beamcode.hjson first, then beamcode.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"beamcode.hjson",
		"beamcode.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for beamcode.hjson, beamcode.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	if cfg.Registry.DataDir == "" {
		cfg.Registry.DataDir = "."
	}
	if cfg.Registry.MaxSessions == 0 {
		cfg.Registry.MaxSessions = 64
	}
	if cfg.Registry.DebounceInterval == "" {
		cfg.Registry.DebounceInterval = "250ms"
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.Window == "" {
		cfg.Breaker.Window = "60s"
	}
	if cfg.Breaker.RecoveryTime == "" {
		cfg.Breaker.RecoveryTime = "30s"
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.CrashThreshold == "" {
		cfg.Breaker.CrashThreshold = "5s"
	}

	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = 20
	}
	if cfg.RateLimit.RefillInterval == "" {
		cfg.RateLimit.RefillInterval = "1s"
	}
	if cfg.RateLimit.TokensPerInterval == 0 {
		cfg.RateLimit.TokensPerInterval = 10
	}

	if cfg.Consumer.HistoryCap == 0 {
		cfg.Consumer.HistoryCap = 10000
	}
	if cfg.Consumer.ReplayCap == 0 {
		cfg.Consumer.ReplayCap = 100
	}
	if cfg.Consumer.BackpressureHighWaterMarkBytes == 0 {
		cfg.Consumer.BackpressureHighWaterMarkBytes = 4 * 1024 * 1024
	}
	if cfg.Consumer.MaxInboundFrameBytes == 0 {
		cfg.Consumer.MaxInboundFrameBytes = 256 * 1024
	}

	if cfg.Recovery.DedupWindow == "" {
		cfg.Recovery.DedupWindow = "3s"
	}

	if cfg.Tracer.ReportsDir == "" {
		cfg.Tracer.ReportsDir = "traces"
	}
	if cfg.Tracer.MaxAge == "" {
		cfg.Tracer.MaxAge = "7d"
	}
	if cfg.Tracer.SampleRate == 0 {
		cfg.Tracer.SampleRate = 1.0
	}

	if cfg.Events.History.MaxEvents == 0 {
		cfg.Events.History.MaxEvents = 10000
	}
	if cfg.Events.History.MaxAge == "" {
		cfg.Events.History.MaxAge = "1h"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	for name, ad := range cfg.Adapters {
		if ad.InitializeTimeout == "" {
			ad.InitializeTimeout = "20s"
			cfg.Adapters[name] = ad
		}
	}
}
