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

// Package migration adopts a pre-existing model tree into the catalog. Every
// model file found under the scanned folders is hashed; unknown content
// becomes a new artifact, content already in the catalog under another path
// becomes an alias. The pass moves no data and is safe to re-run.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/modelpath"
	"github.com/rs/zerolog/log"
)

// Summary reports what a migration pass did (or, in dry-run mode, would do).
type Summary struct {
	Scanned           int   `json:"scanned"`
	NewArtifacts      int   `json:"new_artifacts"`
	NewAliases        int   `json:"new_aliases"`
	AlreadyRegistered int   `json:"already_registered"`
	Skipped           int   `json:"skipped"`
	Errors            int   `json:"errors"`
	BytesHashed       int64 `json:"bytes_hashed"`
}

// String renders the summary for the CLI.
func (s Summary) String() string {
	return fmt.Sprintf(
		"scanned %d files: %d new artifacts, %d new aliases, %d already registered, %d skipped, %d errors (%s hashed)",
		s.Scanned, s.NewArtifacts, s.NewAliases, s.AlreadyRegistered, s.Skipped, s.Errors,
		humanize.IBytes(uint64(s.BytesHashed)),
	)
}

// Pass walks model folders and registers their content.
type Pass struct {
	policy  *modelpath.Policy
	catalog *catalog.Store

	// DryRun reports planned changes without writing to the catalog.
	DryRun bool
}

// New returns a migration Pass.
func New(policy *modelpath.Policy, store *catalog.Store) *Pass {
	return &Pass{
		policy:  policy,
		catalog: store,
	}
}

// Run scans the given folders, or every known model folder when none are
// given.
func (p *Pass) Run(ctx context.Context, folders []string) (Summary, error) {
	if len(folders) == 0 {
		folders = p.policy.ScanFolders()
	}

	var summary Summary

	// Hard links to an already-visited file are aliases on disk already;
	// registering both sides as artifacts would double-count the content.
	seen := make(map[fileID]string)

	for _, folder := range folders {
		dir := filepath.Join(p.policy.Base(), folder)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		log.Info().Str("folder", folder).Msg("Scanning model folder")

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("Unable to walk model folder")
				summary.Errors++

				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != dir {
					return fs.SkipDir
				}
				return nil
			}

			p.visit(ctx, folder, path, d, seen, &summary)

			return nil
		})
		if err != nil {
			return summary, fmt.Errorf("scan folder %q: %w", folder, err)
		}
	}

	return summary, nil
}

func (p *Pass) visit(ctx context.Context, folder, path string, d fs.DirEntry, seen map[fileID]string, summary *Summary) {
	name := d.Name()
	if strings.HasPrefix(name, ".") || d.Type()&fs.ModeSymlink != 0 {
		summary.Skipped++
		return
	}
	if err := p.policy.CheckFilename(name); err != nil {
		summary.Skipped++
		return
	}

	info, err := d.Info()
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Unable to stat model file")
		summary.Errors++

		return
	}

	if id, ok := inode(info); ok {
		if first, dup := seen[id]; dup {
			log.Debug().Str("path", path).Str("canonical", first).Msg("Skipping hard link of an already scanned file")
			summary.Skipped++

			return
		}
		seen[id] = path
	}

	summary.Scanned++

	// Paths the catalog already knows need no hashing.
	_, _, err = p.catalog.ArtifactByPath(ctx, path)
	if err == nil {
		summary.AlreadyRegistered++
		return
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		log.Error().Err(err).Str("path", path).Msg("Catalog lookup failed")
		summary.Errors++

		return
	}

	hash, size, err := catalog.HashFile(ctx, path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Unable to hash model file")
		summary.Errors++

		return
	}
	summary.BytesHashed += size

	if err = p.register(ctx, folder, path, name, hash, size, summary); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Unable to register model file")
		summary.Errors++
	}
}

func (p *Pass) register(ctx context.Context, folder, path, name, hash string, size int64, summary *Summary) error {
	_, err := p.catalog.ArtifactByHash(ctx, hash)
	switch {
	case err == nil:
		// Same bytes under a new name.
		if p.DryRun {
			log.Info().Str("path", path).Str("sha256", hash).Msg("Would add alias")
			summary.NewAliases++

			return nil
		}

		added, aliasErr := p.catalog.AddAlias(ctx, hash, path)
		if aliasErr != nil {
			return fmt.Errorf("add alias: %w", aliasErr)
		}
		if added {
			summary.NewAliases++
			log.Info().Str("path", path).Str("sha256", hash).Msg("Registered alias")
		} else {
			summary.AlreadyRegistered++
		}

		return nil

	case errors.Is(err, catalog.ErrNotFound):
		if p.DryRun {
			log.Info().Str("path", path).Str("sha256", hash).Msg("Would add artifact")
			summary.NewArtifacts++

			return nil
		}

		added, addErr := p.catalog.AddArtifact(ctx, catalog.Artifact{
			SHA256:    hash,
			Path:      path,
			SizeBytes: size,
			Metadata:  catalog.Metadata{"filename": name, "folder": folder, "migrated": true},
		})
		if addErr != nil {
			return fmt.Errorf("add artifact: %w", addErr)
		}
		if added {
			summary.NewArtifacts++
			log.Info().Str("path", path).Str("sha256", hash).Int64("size_bytes", size).Msg("Registered artifact")
		} else {
			summary.AlreadyRegistered++
		}

		return nil

	default:
		return fmt.Errorf("look up artifact: %w", err)
	}
}

// fileID identifies a file on disk across names.
type fileID struct {
	dev uint64
	ino uint64
}

func inode(info os.FileInfo) (fileID, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileID{}, false
	}

	return fileID{dev: uint64(stat.Dev), ino: stat.Ino}, true
}
