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
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loomworks/model-registry/pkg/admission"
	"github.com/loomworks/model-registry/pkg/aliaser"
	"github.com/loomworks/model-registry/pkg/api"
	"github.com/loomworks/model-registry/pkg/catalog"
	"github.com/loomworks/model-registry/pkg/credentials"
	"github.com/loomworks/model-registry/pkg/download"
	"github.com/loomworks/model-registry/pkg/events"
	"github.com/loomworks/model-registry/pkg/httpclient"
	"github.com/loomworks/model-registry/pkg/logger"
	"github.com/loomworks/model-registry/pkg/metrics"
	"github.com/loomworks/model-registry/pkg/modelpath"
	"github.com/loomworks/model-registry/pkg/resolver"
	"github.com/loomworks/model-registry/pkg/sweeper"
	"github.com/loomworks/model-registry/pkg/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

type serveCmd struct {
	flags []cli.Flag
}

func newServeCmd() serveCmd {
	flgs := []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "Address on which the registry listens for requests",
			EnvVars: []string{"REGISTRY_LISTEN_ADDR"},
			Value:   "127.0.0.1:8188",
		},
		&cli.StringSliceFlag{
			Name:    "allowed-host",
			Usage:   "Host allowed as a download source (repeatable)",
			EnvVars: []string{"REGISTRY_ALLOWED_HOSTS"},
		},
		&cli.DurationFlag{
			Name:    "idle-timeout",
			Usage:   "Abort a download when the source sends nothing for this long",
			EnvVars: []string{"REGISTRY_IDLE_TIMEOUT"},
			Value:   download.DefaultIdleTimeout,
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "How often stale alias rows are collected",
			EnvVars: []string{"REGISTRY_SWEEP_INTERVAL"},
			Value:   15 * time.Minute,
		},
	}

	flgs = append(flgs, globalFlags()...)

	return serveCmd{
		flags: flgs,
	}
}

func (c serveCmd) build() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Runs the model registry service",
		Flags:  c.flags,
		Action: c.run,
	}
}

func (c serveCmd) run(cliCtx *cli.Context) error {
	logger.Setup(cliCtx.String("log-level"), cliCtx.String("log-format"))

	version.Log()

	basePath := cliCtx.String("base-path")
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	policy, err := modelpath.New(basePath, nil)
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

	urlPolicy := admission.NewURLPolicy(cliCtx.StringSlice("allowed-host"))
	broker := credentials.NewBroker(credentials.DefaultTTL)
	hub := events.NewHub()
	metricsReg := metrics.NewRegistry(store)

	engine := download.NewEngine(download.Config{
		Policy:      policy,
		URLPolicy:   urlPolicy,
		Catalog:     store,
		Aliaser:     aliaser.New(store),
		Broker:      broker,
		IdleTimeout: cliCtx.Duration("idle-timeout"),
		Sink:        download.MultiSink(hub, metricsReg),
	})

	handler := api.NewHandler(api.Config{
		Resolver: resolver.New(policy, urlPolicy, store),
		Engine:   engine,
		Catalog:  store,
		Broker:   broker,
		Events:   hub,
	})

	router := chi.NewRouter()
	router.Handle("/metrics", metricsReg.Handler())
	router.Mount("/", handler)

	// No write timeout: download progress streams are long-lived.
	server := &http.Server{
		Addr:              cliCtx.String("listen-addr"),
		Handler:           router,
		ErrorLog:          stdlog.New(log.Logger.Level(zerolog.DebugLevel), "", 0),
		ReadHeaderTimeout: 2 * time.Second,
	}

	versionClient, err := httpclient.New(httpclient.Config{})
	if err != nil {
		return fmt.Errorf("create version check client: %w", err)
	}

	group, ctx := errgroup.WithContext(cliCtx.Context)

	group.Go(func() error {
		return hub.Run(ctx)
	})

	group.Go(func() error {
		return broker.Run(ctx)
	})

	group.Go(func() error {
		return sweeper.New(store, cliCtx.Duration("sweep-interval")).Run(ctx)
	})

	group.Go(func() error {
		return version.NewChecker(versionClient).Start(ctx)
	})

	group.Go(func() error {
		return runServer(ctx, server)
	})

	return group.Wait()
}

func runServer(ctx context.Context, server *http.Server) error {
	srvDone := make(chan error, 1)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting registry server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			srvDone <- err
			return
		}
		srvDone <- nil
	}()

	select {
	case <-ctx.Done():
		gracefulCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(gracefulCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown registry server gracefully")
			if err = server.Close(); err != nil {
				return fmt.Errorf("close registry server: %w", err)
			}
		}

		return nil

	case err := <-srvDone:
		if err != nil {
			return fmt.Errorf("registry server stopped: %w", err)
		}

		return errors.New("registry server stopped")
	}
}
