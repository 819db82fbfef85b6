/*
Copyright (C) 2023 Loomworks

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

package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/rs/zerolog/log"
)

const defaultTagsURL = "https://api.github.com/repos/loomworks/model-registry/tags"

// Status holds registry version data.
type Status struct {
	UpToDate       bool   `json:"upToDate,omitempty"`
	CurrentVersion string `json:"currentVersion,omitempty"`
	LatestVersion  string `json:"latestVersion,omitempty"`
}

// Checker is able to check the registry version against published releases.
type Checker struct {
	client  *http.Client
	tagsURL string
	version string
}

// NewChecker returns a new Checker.
func NewChecker(client *http.Client) *Checker {
	return &Checker{
		client:  client,
		tagsURL: defaultTagsURL,
		version: version,
	}
}

// Start starts the periodic check of the registry version.
func (c Checker) Start(ctx context.Context) error {
	tick := time.NewTicker(24 * time.Hour)
	defer tick.Stop()

	select {
	case <-time.After(10 * time.Minute):
	case <-ctx.Done():
		return nil
	}

	if err := c.check(ctx); err != nil {
		log.Warn().Err(err).Msg("check new version")
	}

	for {
		select {
		case <-tick.C:
			if err := c.check(ctx); err != nil {
				log.Warn().Err(err).Msg("check new version")
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// check checks if a new version is available.
func (c Checker) check(ctx context.Context) error {
	if c.version == defaultVersion {
		return nil
	}

	status, err := c.getStatus(ctx)
	if err != nil {
		return fmt.Errorf("get version status: %w", err)
	}

	if !status.UpToDate {
		return fmt.Errorf("you are using %s version of the registry, please consider upgrading to %s", status.CurrentVersion, status.LatestVersion)
	}

	return nil
}

func (c Checker) getStatus(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tagsURL, http.NoBody)
	if err != nil {
		return Status{}, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("list tags: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		all, _ := io.ReadAll(resp.Body)

		return Status{}, fmt.Errorf("list tags: %s", string(all))
	}

	var tags []struct {
		Name string `json:"name"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return Status{}, fmt.Errorf("decode tags: %w", err)
	}

	if len(tags) == 0 {
		return Status{}, fmt.Errorf("no tags published on %s", c.tagsURL)
	}

	latestVersion, err := goversion.NewSemver(tags[0].Name)
	if err != nil {
		return Status{}, fmt.Errorf("parse version: %w", err)
	}

	currentVersion, err := goversion.NewSemver(c.version)
	// not a valid tag.
	if err != nil {
		return Status{
			CurrentVersion: c.version,
			LatestVersion:  latestVersion.Original(),
		}, nil
	}

	// outdated version.
	if latestVersion.GreaterThan(currentVersion) {
		return Status{
			CurrentVersion: c.version,
			LatestVersion:  latestVersion.Original(),
		}, nil
	}

	return Status{
		UpToDate:       true,
		CurrentVersion: c.version,
		LatestVersion:  c.version,
	}, nil
}
