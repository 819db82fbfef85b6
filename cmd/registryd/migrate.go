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

package main

import (
	"fmt"
	"path/filepath"

	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/logger"
	"github.com/loomworks/model-registry/pkg/migration"
	"github.com/loomworks/model-registry/pkg/modelpath"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type migrateCmd struct {
	flags []cli.Flag
}

func newMigrateCmd() migrateCmd {
	flgs := []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "folder",
			Usage:   "Model folder to scan (repeatable, defaults to all)",
			EnvVars: []string{"REGISTRY_MIGRATE_FOLDERS"},
		},
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "Report planned changes without writing to the catalog",
			EnvVars: []string{"REGISTRY_MIGRATE_DRY_RUN"},
		},
	}

	flgs = append(flgs, globalFlags()...)

	return migrateCmd{
		flags: flgs,
	}
}

func (c migrateCmd) build() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Adopts an existing model tree into the registry catalog",
		Flags:  c.flags,
		Action: c.run,
	}
}

func (c migrateCmd) run(cliCtx *cli.Context) error {
	logger.Setup(cliCtx.String("log-level"), cliCtx.String("log-format"))

	policy, err := modelpath.New(cliCtx.String("base-path"), nil)
	if err != nil {
		return fmt.Errorf("build path policy: %w", err)
	}

	store, err := catalog.Open(filepath.Join(policy.RegistryDir(), "catalog.db"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Unable to close catalog")
		}
	}()

	pass := migration.New(policy, store)
	pass.DryRun = cliCtx.Bool("dry-run")

	summary, err := pass.Run(cliCtx.Context, cliCtx.StringSlice("folder"))
	if err != nil {
		return fmt.Errorf("run migration: %w", err)
	}

	fmt.Println(summary)

	return nil
}
