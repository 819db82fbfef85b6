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

package aliaser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type recordingStore struct {
	aliases map[string]string
	err     error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{aliases: map[string]string{}}
}

func (s *recordingStore) AddAlias(_ context.Context, hash, aliasPath string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}

	if bound, ok := s.aliases[aliasPath]; ok {
		if bound == hash {
			return false, nil
		}
		return false, catalog.ErrAliasCollision
	}

	s.aliases[aliasPath] = hash

	return true, nil
}

func writeCanonical(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "checkpoints", "base.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 128)), 0o644))

	return path
}

func TestAliaser_Materialize(t *testing.T) {
	base := t.TempDir()
	canonical := writeCanonical(t, base)
	store := newRecordingStore()

	aliasPath := filepath.Join(base, "loras", "renamed.safetensors")

	strategy, err := New(store).Materialize(context.Background(), testHash, canonical, aliasPath)
	require.NoError(t, err)
	assert.Equal(t, StrategySymlink, strategy)

	info, err := os.Lstat(aliasPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	got, err := os.ReadFile(aliasPath)
	require.NoError(t, err)
	assert.Len(t, got, 128)

	assert.Equal(t, testHash, store.aliases[aliasPath])
}

func TestAliaser_MaterializeIdempotent(t *testing.T) {
	base := t.TempDir()
	canonical := writeCanonical(t, base)
	store := newRecordingStore()
	aliaser := New(store)

	aliasPath := filepath.Join(base, "loras", "renamed.safetensors")

	_, err := aliaser.Materialize(context.Background(), testHash, canonical, aliasPath)
	require.NoError(t, err)

	strategy, err := aliaser.Materialize(context.Background(), testHash, canonical, aliasPath)
	require.NoError(t, err)
	assert.Equal(t, StrategySymlink, strategy)
}

func TestAliaser_MaterializeExistingHardlink(t *testing.T) {
	base := t.TempDir()
	canonical := writeCanonical(t, base)
	store := newRecordingStore()

	aliasPath := filepath.Join(base, "checkpoints", "hard.safetensors")
	require.NoError(t, os.Link(canonical, aliasPath))

	strategy, err := New(store).Materialize(context.Background(), testHash, canonical, aliasPath)
	require.NoError(t, err)
	assert.Equal(t, StrategyHardlink, strategy)
	assert.Equal(t, testHash, store.aliases[aliasPath])
}

func TestAliaser_MaterializeCollision(t *testing.T) {
	base := t.TempDir()
	canonical := writeCanonical(t, base)
	store := newRecordingStore()

	aliasPath := filepath.Join(base, "checkpoints", "occupied.safetensors")
	require.NoError(t, os.WriteFile(aliasPath, []byte("unrelated content"), 0o644))

	_, err := New(store).Materialize(context.Background(), testHash, canonical, aliasPath)
	require.ErrorIs(t, err, catalog.ErrAliasCollision)

	// The unrelated file is untouched.
	got, err := os.ReadFile(aliasPath)
	require.NoError(t, err)
	assert.Equal(t, "unrelated content", string(got))
}

func TestAliaser_MaterializeMissingCanonical(t *testing.T) {
	base := t.TempDir()
	store := newRecordingStore()

	_, err := New(store).Materialize(context.Background(), testHash,
		filepath.Join(base, "checkpoints", "gone.safetensors"),
		filepath.Join(base, "loras", "alias.safetensors"))
	require.Error(t, err)
	assert.Empty(t, store.aliases)
}

func TestAliaser_MaterializeRollsBackOnCatalogError(t *testing.T) {
	base := t.TempDir()
	canonical := writeCanonical(t, base)

	store := newRecordingStore()
	store.err = errors.New("catalog unavailable")

	aliasPath := filepath.Join(base, "loras", "alias.safetensors")

	_, err := New(store).Materialize(context.Background(), testHash, canonical, aliasPath)
	require.Error(t, err)

	_, err = os.Lstat(aliasPath)
	assert.True(t, os.IsNotExist(err))
}
