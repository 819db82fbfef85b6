/*
Copyright (C) 2023-2024 Loomworks

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), ".registry", "catalog.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestStore_AddArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inserted, err := store.AddArtifact(ctx, Artifact{
		SHA256:    strings.ToUpper(hashA),
		Path:      "/models/checkpoints/sd15.safetensors",
		SizeBytes: 4096,
		SourceURL: "https://huggingface.co/org/repo/resolve/main/sd15.safetensors",
		Metadata:  Metadata{"filename": "sd15.safetensors", "folder": "checkpoints"},
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same hash again: first row wins.
	inserted, err = store.AddArtifact(ctx, Artifact{
		SHA256:    hashA,
		Path:      "/models/checkpoints/other.safetensors",
		SizeBytes: 1,
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	artifact, err := store.ArtifactByHash(ctx, hashA)
	require.NoError(t, err)

	assert.Equal(t, hashA, artifact.SHA256)
	assert.Equal(t, "/models/checkpoints/sd15.safetensors", artifact.Path)
	assert.Equal(t, int64(4096), artifact.SizeBytes)
	assert.Equal(t, "sd15.safetensors", artifact.Metadata["filename"])
	assert.False(t, artifact.DateAdded.IsZero())
}

func TestStore_AddArtifact_invalidHash(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AddArtifact(context.Background(), Artifact{
		SHA256: "not-a-hash",
		Path:   "/models/checkpoints/x.safetensors",
	})
	require.Error(t, err)
}

func TestStore_AddAlias(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 10})
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, Artifact{SHA256: hashB, Path: "/models/checkpoints/b.safetensors", SizeBytes: 20})
	require.NoError(t, err)

	created, err := store.AddAlias(ctx, hashA, "/models/loras/a-alias.safetensors")
	require.NoError(t, err)
	assert.True(t, created)

	// Idempotent for the same binding.
	created, err = store.AddAlias(ctx, hashA, "/models/loras/a-alias.safetensors")
	require.NoError(t, err)
	assert.False(t, created)

	// Same path, different artifact.
	_, err = store.AddAlias(ctx, hashB, "/models/loras/a-alias.safetensors")
	require.ErrorIs(t, err, ErrAliasCollision)

	// Unknown artifact.
	_, err = store.AddAlias(ctx, strings.Repeat("c", 64), "/models/loras/c.safetensors")
	require.ErrorIs(t, err, ErrUnknownArtifact)

	aliases, err := store.AliasesFor(ctx, hashA)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, "/models/loras/a-alias.safetensors", aliases[0].Path)
}

func TestStore_AddAlias_canonicalPathCollision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 10})
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, Artifact{SHA256: hashB, Path: "/models/checkpoints/b.safetensors", SizeBytes: 20})
	require.NoError(t, err)

	// Another artifact's canonical file can never become an alias.
	_, err = store.AddAlias(ctx, hashA, "/models/checkpoints/b.safetensors")
	require.ErrorIs(t, err, ErrAliasCollision)

	// The artifact's own canonical file needs no alias row.
	created, err := store.AddAlias(ctx, hashA, "/models/checkpoints/a.safetensors")
	require.NoError(t, err)
	assert.False(t, created)

	aliases, err := store.AliasesFor(ctx, hashA)
	require.NoError(t, err)
	assert.Empty(t, aliases)
}

func TestStore_ArtifactByPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 10})
	require.NoError(t, err)
	_, err = store.AddAlias(ctx, hashA, "/models/checkpoints/renamed.safetensors")
	require.NoError(t, err)

	artifact, canonical, err := store.ArtifactByPath(ctx, "/models/checkpoints/a.safetensors")
	require.NoError(t, err)
	assert.True(t, canonical)
	assert.Equal(t, hashA, artifact.SHA256)

	artifact, canonical, err = store.ArtifactByPath(ctx, "/models/checkpoints/renamed.safetensors")
	require.NoError(t, err)
	assert.False(t, canonical)
	assert.Equal(t, hashA, artifact.SHA256)

	_, _, err = store.ArtifactByPath(ctx, "/models/checkpoints/missing.safetensors")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReplaceArtifactPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 10})
	require.NoError(t, err)

	require.NoError(t, store.ReplaceArtifactPath(ctx, hashA, "/models/checkpoints/moved.safetensors", 12))

	artifact, err := store.ArtifactByHash(ctx, hashA)
	require.NoError(t, err)
	assert.Equal(t, "/models/checkpoints/moved.safetensors", artifact.Path)
	assert.Equal(t, int64(12), artifact.SizeBytes)

	err = store.ReplaceArtifactPath(ctx, hashB, "/models/elsewhere.safetensors", 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoveArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 10})
	require.NoError(t, err)
	_, err = store.AddAlias(ctx, hashA, "/models/loras/a.safetensors")
	require.NoError(t, err)

	require.NoError(t, store.RemoveArtifact(ctx, hashA))

	_, err = store.ArtifactByHash(ctx, hashA)
	require.ErrorIs(t, err, ErrNotFound)

	aliases, err := store.ListAliases(ctx)
	require.NoError(t, err)
	assert.Empty(t, aliases)

	require.ErrorIs(t, store.RemoveArtifact(ctx, hashA), ErrNotFound)
}

func TestStore_DeleteAliasByPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 10})
	require.NoError(t, err)
	_, err = store.AddAlias(ctx, hashA, "/models/loras/gone.safetensors")
	require.NoError(t, err)

	require.NoError(t, store.DeleteAliasByPath(ctx, "/models/loras/gone.safetensors"))
	require.ErrorIs(t, store.DeleteAliasByPath(ctx, "/models/loras/gone.safetensors"), ErrNotFound)
}

func TestStore_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	_, err = store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 1 << 30})
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, Artifact{SHA256: hashB, Path: "/models/checkpoints/b.safetensors", SizeBytes: 1 << 29})
	require.NoError(t, err)
	_, err = store.AddAlias(ctx, hashA, "/models/loras/a.safetensors")
	require.NoError(t, err)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.ModelCount)
	assert.Equal(t, int64(1), stats.AliasCount)
	assert.Equal(t, int64(1<<30+1<<29), stats.TotalSizeBytes)
	assert.InDelta(t, 1.5, stats.TotalSizeGB, 0.01)
}

func TestStore_ListArtifacts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AddArtifact(ctx, Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 1})
	require.NoError(t, err)
	_, err = store.AddArtifact(ctx, Artifact{SHA256: hashB, Path: "/models/checkpoints/b.safetensors", SizeBytes: 2})
	require.NoError(t, err)

	artifacts, err := store.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
}

func TestOpen_reopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".registry", "catalog.db")

	store, err := Open(path)
	require.NoError(t, err)

	_, err = store.AddArtifact(context.Background(), Artifact{SHA256: hashA, Path: "/models/checkpoints/a.safetensors", SizeBytes: 1})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	artifact, err := store.ArtifactByHash(context.Background(), hashA)
	require.NoError(t, err)
	assert.Equal(t, "/models/checkpoints/a.safetensors", artifact.Path)
}
