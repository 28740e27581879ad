// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError aggregates every field-level failure found by Validate.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateServer(cfg, errs)
	v.validateAdapters(cfg, errs)
	v.validateBreaker(cfg, errs)
	v.validateRateLimit(cfg, errs)
	v.validateConsumer(cfg, errs)
	v.validateDurations(cfg, errs)
	v.validateLogging(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Port != 0 && (cfg.Server.Port < 0 || cfg.Server.Port > 65535) {
		errs.Add("server.port", "must be between 0 and 65535")
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		errs.Add("server", "both tls_cert and tls_key must be specified together")
	}
}

func (v *Validator) validateAdapters(cfg *Config, errs *ValidationError) {
	for name, ad := range cfg.Adapters {
		prefix := fmt.Sprintf("adapters.%s", name)
		if ad.Enabled && ad.BinaryPath == "" && ad.BaseURL == "" {
			errs.Add(prefix, "enabled adapter requires binary_path or base_url")
		}
		if ad.InitializeTimeout != "" {
			if d, err := time.ParseDuration(ad.InitializeTimeout); err != nil {
				errs.Add(prefix+".initialize_timeout", fmt.Sprintf("invalid duration format: %s", err))
			} else if d <= 0 {
				errs.Add(prefix+".initialize_timeout", "must be positive")
			}
		}
	}
}

func (v *Validator) validateBreaker(cfg *Config, errs *ValidationError) {
	if cfg.Breaker.FailureThreshold < 0 {
		errs.Add("breaker.failure_threshold", "must be non-negative")
	}
	if cfg.Breaker.SuccessThreshold < 0 {
		errs.Add("breaker.success_threshold", "must be non-negative")
	}
}

func (v *Validator) validateRateLimit(cfg *Config, errs *ValidationError) {
	if cfg.RateLimit.Capacity < 0 {
		errs.Add("rate_limit.capacity", "must be non-negative")
	}
	if cfg.RateLimit.TokensPerInterval < 0 {
		errs.Add("rate_limit.tokens_per_interval", "must be non-negative")
	}
}

func (v *Validator) validateConsumer(cfg *Config, errs *ValidationError) {
	if cfg.Consumer.MaxInboundFrameBytes < 0 {
		errs.Add("consumer.max_inbound_frame_bytes", "must be non-negative")
	}
	if cfg.Consumer.BackpressureHighWaterMarkBytes < 0 {
		errs.Add("consumer.backpressure_high_water_mark_bytes", "must be non-negative")
	}
}

func (v *Validator) validateLogging(cfg *Config, errs *ValidationError) {
	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[cfg.Logging.Level] {
			errs.Add("logging.level", fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", cfg.Logging.Level))
		}
	}
	if cfg.Logging.Format != "" {
		validFormats := map[string]bool{"text": true, "json": true}
		if !validFormats[cfg.Logging.Format] {
			errs.Add("logging.format", fmt.Sprintf("invalid format '%s', must be one of: text, json", cfg.Logging.Format))
		}
	}
}

func (v *Validator) validateDurations(cfg *Config, errs *ValidationError) {
	checkDuration(errs, "registry.debounce_interval", cfg.Registry.DebounceInterval)
	checkDuration(errs, "breaker.window", cfg.Breaker.Window)
	checkDuration(errs, "breaker.recovery_time", cfg.Breaker.RecoveryTime)
	checkDuration(errs, "breaker.crash_threshold", cfg.Breaker.CrashThreshold)
	checkDuration(errs, "rate_limit.refill_interval", cfg.RateLimit.RefillInterval)
	checkDuration(errs, "recovery.dedup_window", cfg.Recovery.DedupWindow)
	checkDuration(errs, "events.history.max_age", cfg.Events.History.MaxAge)

	if cfg.Tracer.MaxAge != "" {
		if d, err := parseDurationWithDays(cfg.Tracer.MaxAge); err != nil {
			errs.Add("tracer.max_age", fmt.Sprintf("invalid duration format: %s", err))
		} else if d < 0 {
			errs.Add("tracer.max_age", "must be positive")
		}
	}
}

func checkDuration(errs *ValidationError, field, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration format: %s", err))
	} else if d < 0 {
		errs.Add(field, "must be positive")
	}
}

// parseDurationWithDays parses a duration string that may include a trailing
// day unit (e.g. "7d"), which time.ParseDuration does not support.
func parseDurationWithDays(s string) (time.Duration, error) {
	if len(s) > 1 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
