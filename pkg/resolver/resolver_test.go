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

package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/modelpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashOne = "1111111111111111111111111111111111111111111111111111111111111111"
	hashTwo = "2222222222222222222222222222222222222222222222222222222222222222"
)

func newTestResolver(t *testing.T) (*Resolver, *catalog.Store, string) {
	t.Helper()

	base := t.TempDir()

	policy, err := modelpath.New(base, nil)
	require.NoError(t, err)

	store, err := catalog.Open(filepath.Join(base, ".registry", "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return New(policy, admission.NewURLPolicy(nil), store), store, base
}

func registerArtifact(t *testing.T, store *catalog.Store, base, folder, filename, hash string, size int64) string {
	t.Helper()

	path := filepath.Join(base, folder, filename)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	_, err := store.AddArtifact(context.Background(), catalog.Artifact{
		SHA256:    hash,
		Path:      path,
		SizeBytes: size,
	})
	require.NoError(t, err)

	return path
}

func TestResolver_Resolve_mixedState(t *testing.T) {
	r, store, base := newTestResolver(t)

	canonical := registerArtifact(t, store, base, "checkpoints", "a.safetensors", hashOne, 100)

	result, err := r.Resolve(context.Background(), Manifest{
		"checkpoints": {
			{Filename: "b.safetensors", SHA256: hashOne, Size: 100, URLs: []string{"https://huggingface.co/org/repo/b.safetensors"}},
			{Filename: "c.safetensors", SHA256: hashTwo, Size: 250, URLs: []string{"https://huggingface.co/org/repo/c.safetensors"}},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Existing, 1)
	existing := result.Existing[0]
	assert.Equal(t, "b.safetensors", existing.Filename)
	assert.Equal(t, "checkpoints/a.safetensors", existing.ExistsAt)
	assert.Equal(t, "checkpoints", existing.Type)
	assert.Equal(t, hashOne, existing.SHA256)
	assert.Equal(t, ActionSymlink, existing.Action)

	require.Len(t, result.Missing, 1)
	missing := result.Missing[0]
	assert.Equal(t, "c.safetensors", missing.Filename)
	assert.Equal(t, hashTwo, missing.SHA256)
	assert.Equal(t, []string{"https://huggingface.co/org/repo/c.safetensors"}, missing.URLs)

	assert.Equal(t, int64(250), result.TotalDownloadSize)
	assert.Equal(t, int64(100), result.TotalSavedSize)

	// Resolver never materialized anything.
	assert.NoFileExists(t, filepath.Join(base, "checkpoints", "b.safetensors"))
	_ = canonical
}

func TestResolver_Resolve_canonicalInPlace(t *testing.T) {
	r, store, base := newTestResolver(t)

	registerArtifact(t, store, base, "checkpoints", "a.safetensors", hashOne, 64)

	result, err := r.Resolve(context.Background(), Manifest{
		"checkpoints": {
			{Filename: "a.safetensors", SHA256: hashOne, Size: 64},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Existing, 1)
	assert.Equal(t, ActionCanonical, result.Existing[0].Action)
	assert.Empty(t, result.Missing)
	assert.Zero(t, result.TotalSavedSize)
}

func TestResolver_Resolve_forbiddenURLsFiltered(t *testing.T) {
	r, _, _ := newTestResolver(t)

	result, err := r.Resolve(context.Background(), Manifest{
		"loras": {
			{
				Filename: "style.safetensors",
				SHA256:   hashOne,
				Size:     10,
				URLs: []string{
					"https://evil.example/style.safetensors",
					"https://civitai.com/api/download/models/42",
				},
			},
			{
				Filename: "blocked.safetensors",
				SHA256:   hashTwo,
				Size:     20,
				URLs:     []string{"https://evil.example/blocked.safetensors"},
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Missing, 2)

	byName := map[string]Missing{}
	for _, m := range result.Missing {
		byName[m.Filename] = m
	}

	assert.Equal(t, []string{"https://civitai.com/api/download/models/42"}, byName["style.safetensors"].URLs)

	// Every source rejected: still reported missing, but unfetchable.
	assert.Empty(t, byName["blocked.safetensors"].URLs)
}

func TestResolver_Resolve_uncataloguedFileCountsAsExisting(t *testing.T) {
	r, _, base := newTestResolver(t)

	path := filepath.Join(base, "vae", "vae.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("vae"), 0o644))

	result, err := r.Resolve(context.Background(), Manifest{
		"vae": {
			{Filename: "vae.safetensors", Size: 3},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.Existing, 1)
	assert.Equal(t, "vae/vae.safetensors", result.Existing[0].ExistsAt)
	assert.Equal(t, ActionCanonical, result.Existing[0].Action)
	assert.Empty(t, result.Missing)
}

func TestResolver_Resolve_corruptedCanonicalIsMissing(t *testing.T) {
	r, store, base := newTestResolver(t)

	path := registerArtifact(t, store, base, "checkpoints", "a.safetensors", hashOne, 100)
	require.NoError(t, os.Remove(path))

	result, err := r.Resolve(context.Background(), Manifest{
		"checkpoints": {
			{Filename: "a.safetensors", SHA256: hashOne, Size: 100, URLs: []string{"https://huggingface.co/org/repo/a.safetensors"}},
		},
	})
	require.NoError(t, err)

	assert.Empty(t, result.Existing)
	require.Len(t, result.Missing, 1)
}

func TestResolver_Resolve_invalidFolderHitIsCanonical(t *testing.T) {
	r, store, base := newTestResolver(t)

	registerArtifact(t, store, base, "checkpoints", "a.safetensors", hashOne, 100)

	result, err := r.Resolve(context.Background(), Manifest{
		"plugins": {
			{Filename: "a.safetensors", SHA256: hashOne, Size: 100},
		},
	})
	require.NoError(t, err)

	// An unknown folder resolves to no destination, so no alias can ever be
	// materialized; the catalog hit must not promise one.
	require.Len(t, result.Existing, 1)
	assert.Equal(t, ActionCanonical, result.Existing[0].Action)
	assert.Empty(t, result.Missing)
	assert.Zero(t, result.TotalSavedSize)
}

func TestEntry_IsRequired(t *testing.T) {
	no := false

	assert.True(t, Entry{}.IsRequired())
	assert.False(t, Entry{Required: &no}.IsRequired())
}
