// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	rec := Record{SessionID: "sess-1", Backend: "claude-sdk", Data: json.RawMessage(`{"foo":"bar"}`)}
	require.NoError(t, fs.Save(ctx, rec))

	got, err := fs.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", got.SessionID)
	require.False(t, got.CreatedAt.IsZero())

	// A second store instance opened against the same path should see it.
	fs2, err := NewFileStore(path)
	require.NoError(t, err)
	got2, err := fs2.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, got.Backend, got2.Backend)
}

func TestFileStoreSetArchivedAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, fs.SetArchived(ctx, "missing", true), ErrNotFound)

	require.NoError(t, fs.Save(ctx, Record{SessionID: "sess-1"}))
	require.NoError(t, fs.SetArchived(ctx, "sess-1", true))
	got, err := fs.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, got.Archived)

	require.NoError(t, fs.Remove(ctx, "sess-1"))
	_, err = fs.Load(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreLoadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Save(ctx, Record{SessionID: "a"}))
	require.NoError(t, fs.Save(ctx, Record{SessionID: "b"}))

	all, err := fs.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
