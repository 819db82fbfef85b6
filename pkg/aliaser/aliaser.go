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

// Package aliaser gives an artifact additional names without duplicating its
// bytes when the filesystem allows it.
package aliaser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomworks/model-registry/pkg/catalog"
	cp "github.com/otiai10/copy"
	"github.com/rs/zerolog/log"
)

// Strategy is how an alias was materialized on disk.
type Strategy string

// Materialization strategies, best first.
const (
	StrategySymlink  Strategy = "symlink"
	StrategyHardlink Strategy = "hardlink"
	StrategyCopy     Strategy = "copy"
)

type catalogStore interface {
	AddAlias(ctx context.Context, hash, aliasPath string) (bool, error)
}

// Aliaser materializes aliases on disk and records them in the catalog.
type Aliaser struct {
	catalog catalogStore
}

// New returns an Aliaser recording its work in the given catalog.
func New(store catalogStore) *Aliaser {
	return &Aliaser{catalog: store}
}

// Materialize makes the artifact at canonicalPath available under aliasPath,
// preferring a symlink, then a hard link, then a full copy. The alias is
// recorded in the catalog. An occupied alias path fails with
// catalog.ErrAliasCollision unless it already points at the same content.
func (a *Aliaser) Materialize(ctx context.Context, hash, canonicalPath, aliasPath string) (Strategy, error) {
	canonicalInfo, err := os.Stat(canonicalPath)
	if err != nil {
		return "", fmt.Errorf("stat canonical file: %w", err)
	}

	if info, lerr := os.Lstat(aliasPath); lerr == nil {
		resolved, serr := os.Stat(aliasPath)
		if serr == nil && os.SameFile(resolved, canonicalInfo) {
			// Already materialized, make sure the row exists.
			if _, err = a.catalog.AddAlias(ctx, hash, aliasPath); err != nil {
				return "", fmt.Errorf("record alias: %w", err)
			}

			strategy := StrategyHardlink
			if info.Mode()&os.ModeSymlink != 0 {
				strategy = StrategySymlink
			}
			return strategy, nil
		}

		return "", fmt.Errorf("alias path %q is occupied: %w", aliasPath, catalog.ErrAliasCollision)
	}

	if err = os.MkdirAll(filepath.Dir(aliasPath), 0o755); err != nil {
		return "", fmt.Errorf("create alias directory: %w", err)
	}

	strategy, err := a.link(canonicalPath, aliasPath)
	if err != nil {
		return "", err
	}

	if _, err = a.catalog.AddAlias(ctx, hash, aliasPath); err != nil {
		if rmErr := os.Remove(aliasPath); rmErr != nil {
			log.Error().Err(rmErr).Str("alias_path", aliasPath).Msg("Unable to clean up alias after catalog failure")
		}
		return "", fmt.Errorf("record alias: %w", err)
	}

	log.Debug().
		Str("sha256", hash).
		Str("alias_path", aliasPath).
		Str("strategy", string(strategy)).
		Msg("Alias materialized")

	return strategy, nil
}

// link tries each materialization strategy in order.
func (a *Aliaser) link(canonicalPath, aliasPath string) (Strategy, error) {
	// Relative targets keep the model tree relocatable.
	target, err := filepath.Rel(filepath.Dir(aliasPath), canonicalPath)
	if err != nil {
		target = canonicalPath
	}

	symlinkErr := os.Symlink(target, aliasPath)
	if symlinkErr == nil {
		return StrategySymlink, nil
	}

	hardlinkErr := os.Link(canonicalPath, aliasPath)
	if hardlinkErr == nil {
		log.Debug().Err(symlinkErr).Str("alias_path", aliasPath).Msg("Symlink not available, fell back to hard link")
		return StrategyHardlink, nil
	}

	if err = cp.Copy(canonicalPath, aliasPath); err != nil {
		return "", fmt.Errorf("copy artifact (after symlink: %v, hardlink: %v): %w", symlinkErr, hardlinkErr, err)
	}

	log.Debug().Str("alias_path", aliasPath).Msg("Links not available, fell back to copy")

	return StrategyCopy, nil
}
