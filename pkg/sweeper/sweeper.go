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

// Package sweeper lazily reconciles the catalog with the filesystem. The
// filesystem is the source of truth for aliases: rows whose path was deleted
// by the operator are garbage and get collected here. Missing canonical
// files are a corruption condition; the sweeper only reports them, the
// download engine repairs them on the next request for that hash.
package sweeper

import (
	"context"
	"os"
	"time"

	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/rs/zerolog/log"
)

const defaultInterval = 15 * time.Minute

// Sweeper periodically drops stale alias rows.
type Sweeper struct {
	catalog  *catalog.Store
	interval time.Duration
}

// New creates a Sweeper over the given catalog.
func New(store *catalog.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Sweeper{
		catalog:  store,
		interval: interval,
	}
}

// Run runs the Sweeper. This is a blocking method.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Unable to sweep catalog")
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	aliases, err := s.catalog.ListAliases(ctx)
	if err != nil {
		return err
	}

	var removed int
	for _, alias := range aliases {
		if _, err = os.Lstat(alias.Path); err == nil || !os.IsNotExist(err) {
			continue
		}

		if err = s.catalog.DeleteAliasByPath(ctx, alias.Path); err != nil {
			log.Error().Err(err).Str("alias_path", alias.Path).Msg("Unable to drop stale alias row")
			continue
		}
		removed++

		log.Info().Str("alias_path", alias.Path).Str("sha256", alias.SHA256).Msg("Dropped stale alias row")
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Swept stale alias rows")
	}

	artifacts, err := s.catalog.ListArtifacts(ctx)
	if err != nil {
		return err
	}

	for _, art := range artifacts {
		if _, err = os.Stat(art.Path); os.IsNotExist(err) {
			log.Warn().
				Str("sha256", art.SHA256).
				Str("path", art.Path).
				Msg("Canonical file is missing; it will be fetched again on next request")
		}
	}

	return nil
}
