// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teng-lin/beamcode/internal/unified"
)

func TestObserveAccumulatesPerSession(t *testing.T) {
	tr := New(Config{Enabled: true, SampleRate: 1.0})
	tr.Observe("s1", DirectionInbound, unified.Message{Type: unified.TypeAssistant})
	tr.Observe("s1", DirectionOutbound, unified.Message{Type: unified.TypeUserMessage})
	tr.Observe("s2", DirectionInbound, unified.Message{Type: unified.TypeAssistant})

	snap := tr.Snapshot()
	require.Contains(t, snap, "s1")
	assert.Equal(t, 2, snap["s1"].MessageCount)
	assert.Equal(t, 1, snap["s1"].CountByType[unified.TypeAssistant])
	assert.Equal(t, 1, snap["s2"].MessageCount)
}

func TestObserveNoopWhenDisabled(t *testing.T) {
	tr := New(Config{Enabled: false})
	tr.Observe("s1", DirectionInbound, unified.Message{Type: unified.TypeAssistant})
	assert.Empty(t, tr.Snapshot())
}

func TestForgetDropsSession(t *testing.T) {
	tr := New(Config{Enabled: true, SampleRate: 1.0})
	tr.Observe("s1", DirectionInbound, unified.Message{Type: unified.TypeAssistant})
	tr.Forget("s1")
	assert.Empty(t, tr.Snapshot())
}

func TestFlushWritesAtomicReport(t *testing.T) {
	dir := t.TempDir()
	tr := New(Config{Enabled: true, SampleRate: 1.0, ReportsDir: dir})
	tr.Observe("s1", DirectionInbound, unified.Message{Type: unified.TypeAssistant})

	path, err := tr.Flush()
	require.NoError(t, err)
	require.FileExists(t, path)
	assert.Equal(t, filepath.Dir(path), dir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.Sessions["s1"].MessageCount)
}

func TestFlushNoopWhenDisabled(t *testing.T) {
	tr := New(Config{Enabled: false})
	path, err := tr.Flush()
	require.NoError(t, err)
	assert.Empty(t, path)
}
