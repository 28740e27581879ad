// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "beamcode.hjson")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesHJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		version: "1"
		server: { host: "0.0.0.0", port: 9000 }
		adapters: {
			"claude-sdk": { enabled: true, binary_path: "claude" }
		}
	}`)

	l := NewLoader()
	cfg, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.Version)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	require.Contains(t, cfg.Adapters, "claude-sdk")
	assert.Equal(t, "claude", cfg.Adapters["claude-sdk"].BinaryPath)
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLoader()
	_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "nope.hjson"))
	assert.Error(t, err)
}

func TestLoadInvalidHJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{ not valid hjson :::`)
	l := NewLoader()
	_, err := l.Load(context.Background(), path)
	assert.Error(t, err)
}

func TestLoadWithDefaultsAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{ version: "1" }`)

	l := NewLoader()
	cfg, err := l.LoadWithDefaults(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "60s", cfg.Breaker.Window)
	assert.Equal(t, 20.0, cfg.RateLimit.Capacity)
	assert.Equal(t, 10000, cfg.Consumer.HistoryCap)
	assert.Equal(t, "3s", cfg.Recovery.DedupWindow)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithDefaultsPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		version: "1"
		server: { port: 1234 }
		breaker: { failure_threshold: 9 }
	}`)

	l := NewLoader()
	cfg, err := l.LoadWithDefaults(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Server.Port)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	// Untouched fields still get their default.
	assert.Equal(t, "30s", cfg.Breaker.RecoveryTime)
}

func TestLoadWithDefaultsFillsAdapterTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		version: "1"
		adapters: { codex: { enabled: true, binary_path: "codex" } }
	}`)

	l := NewLoader()
	cfg, err := l.LoadWithDefaults(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "20s", cfg.Adapters["codex"].InitializeTimeout)
}

func TestFindConfigNotFound(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	l := NewLoader()
	_, err = l.FindConfig()
	assert.Error(t, err)
}

func TestFindConfigFindsHJSON(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{ version: "1" }`)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	l := NewLoader()
	path, err := l.FindConfig()
	require.NoError(t, err)
	assert.Contains(t, path, "beamcode.hjson")
}
