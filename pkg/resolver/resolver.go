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

// Package resolver classifies the dependency manifest of a workflow against
// the catalog: which artifacts are already on disk, which only need an alias
// and which have to be downloaded. The resolver is a pure read; it never
// touches the filesystem layout or the catalog content.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/modelpath"
	"github.com/rs/zerolog/log"
)

// Action tells the frontend what the registry will do for an existing entry.
type Action string

// Actions for existing entries.
const (
	// ActionCanonical means the requested file is already in place.
	ActionCanonical Action = "canonical"

	// ActionSymlink means the content exists under another name and an alias
	// will be materialized on download.
	ActionSymlink Action = "symlink"
)

// Entry is one dependency of a workflow.
type Entry struct {
	Filename     string   `json:"filename"`
	SHA256       string   `json:"sha256,omitempty"`
	Size         int64    `json:"size,omitempty"`
	URLs         []string `json:"urls,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
	Required     *bool    `json:"required,omitempty"`
	RequiresAuth bool     `json:"requires_auth,omitempty"`
	AuthProvider string   `json:"auth_provider,omitempty"`
}

// IsRequired reports whether the entry is required, defaulting to true.
func (e Entry) IsRequired() bool {
	return e.Required == nil || *e.Required
}

// Manifest maps model folders to their dependency entries.
type Manifest map[string][]Entry

// Missing is a dependency the registry cannot satisfy locally. Its URLs are
// reduced to the admissible ones; an empty list means every source was
// forbidden and the dependency cannot be fetched at all.
type Missing struct {
	Filename     string   `json:"filename"`
	Type         string   `json:"type"`
	SHA256       string   `json:"sha256,omitempty"`
	Size         int64    `json:"size,omitempty"`
	URLs         []string `json:"urls"`
	RequiresAuth bool     `json:"requires_auth,omitempty"`
	AuthProvider string   `json:"auth_provider,omitempty"`
	DisplayName  string   `json:"display_name,omitempty"`
}

// Existing is a dependency already satisfied by the local model tree.
type Existing struct {
	Filename string `json:"filename"`
	ExistsAt string `json:"exists_at"`
	Type     string `json:"type"`
	SHA256   string `json:"sha256,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Action   Action `json:"action"`
}

// Result is the disposition of a whole manifest.
type Result struct {
	Missing           []Missing  `json:"missing"`
	Existing          []Existing `json:"existing"`
	TotalDownloadSize int64      `json:"total_download_size"`
	TotalSavedSize    int64      `json:"total_saved_size"`
}

// Resolver classifies manifests against the catalog.
type Resolver struct {
	policy  *modelpath.Policy
	urls    *admission.URLPolicy
	catalog *catalog.Store
}

// New returns a Resolver.
func New(policy *modelpath.Policy, urls *admission.URLPolicy, store *catalog.Store) *Resolver {
	return &Resolver{
		policy:  policy,
		urls:    urls,
		catalog: store,
	}
}

// Resolve classifies every entry of the manifest.
func (r *Resolver) Resolve(ctx context.Context, manifest Manifest) (Result, error) {
	result := Result{
		Missing:  []Missing{},
		Existing: []Existing{},
	}

	for folder, entries := range manifest {
		for _, entry := range entries {
			if err := r.classify(ctx, folder, entry, &result); err != nil {
				return Result{}, err
			}
		}
	}

	for _, m := range result.Missing {
		result.TotalDownloadSize += m.Size
	}
	for _, e := range result.Existing {
		if e.Action == ActionSymlink {
			result.TotalSavedSize += e.Size
		}
	}

	return result, nil
}

func (r *Resolver) classify(ctx context.Context, folder string, entry Entry, result *Result) error {
	dest, destErr := r.policy.Resolve(folder, entry.Filename)
	if destErr != nil {
		log.Debug().Err(destErr).Str("folder", folder).Str("filename", entry.Filename).
			Msg("Dependency entry has no valid destination")
	}

	if entry.SHA256 != "" {
		hash, err := catalog.NormalizeHash(entry.SHA256)
		if err == nil {
			existing, found, lookErr := r.byHash(ctx, folder, entry, hash, dest)
			if lookErr != nil {
				return lookErr
			}
			if found {
				result.Existing = append(result.Existing, existing)
				return nil
			}
		}
	}

	// No catalog hit; a file already sitting at the destination still counts,
	// the engine adopts it on the next download request.
	if destErr == nil {
		if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
			result.Existing = append(result.Existing, Existing{
				Filename: entry.Filename,
				ExistsAt: r.relative(dest),
				Type:     folder,
				SHA256:   entry.SHA256,
				Size:     entry.Size,
				Action:   ActionCanonical,
			})

			return nil
		}
	}

	result.Missing = append(result.Missing, Missing{
		Filename:     entry.Filename,
		Type:         folder,
		SHA256:       entry.SHA256,
		Size:         entry.Size,
		URLs:         r.admissible(entry.URLs),
		RequiresAuth: entry.RequiresAuth,
		AuthProvider: entry.AuthProvider,
		DisplayName:  entry.DisplayName,
	})

	return nil
}

// byHash resolves an entry whose hash is present in the catalog. The action
// is canonical when the destination needs no filesystem change, symlink when
// an alias will be materialized.
func (r *Resolver) byHash(ctx context.Context, folder string, entry Entry, hash, dest string) (Existing, bool, error) {
	art, err := r.catalog.ArtifactByHash(ctx, hash)
	if errors.Is(err, catalog.ErrNotFound) {
		return Existing{}, false, nil
	}
	if err != nil {
		return Existing{}, false, fmt.Errorf("look up artifact: %w", err)
	}

	if info, statErr := os.Stat(art.Path); statErr != nil || info.Size() != art.SizeBytes {
		log.Warn().Str("sha256", hash).Str("path", art.Path).
			Msg("Canonical file is missing or corrupted, treating dependency as missing")

		return Existing{}, false, nil
	}

	size := entry.Size
	if size == 0 {
		size = art.SizeBytes
	}

	action := ActionSymlink
	switch {
	case dest == "":
		// No valid destination to alias into; the content is present and
		// nothing will be materialized.
		action = ActionCanonical
	case dest == art.Path:
		action = ActionCanonical
	default:
		if _, statErr := os.Stat(dest); statErr == nil {
			// Already materialized under the requested name.
			action = ActionCanonical
		}
	}

	return Existing{
		Filename: entry.Filename,
		ExistsAt: r.relative(art.Path),
		Type:     folder,
		SHA256:   hash,
		Size:     size,
		Action:   action,
	}, true, nil
}

func (r *Resolver) admissible(urls []string) []string {
	admitted := []string{}
	for _, raw := range urls {
		if _, err := r.urls.Admit(raw); err != nil {
			log.Debug().Err(err).Msg("Dropping forbidden dependency URL")
			continue
		}
		admitted = append(admitted, raw)
	}

	return admitted
}

// relative renders a path relative to the model tree base, the shape clients
// display. Paths outside the base stay absolute.
func (r *Resolver) relative(path string) string {
	rel, err := filepath.Rel(r.policy.Base(), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}

	return filepath.ToSlash(rel)
}
