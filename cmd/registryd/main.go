package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := &cli.App{
		Name:  "registryd",
		Usage: "Content-addressed model registry and download service",
		Commands: []*cli.Command{
			newServeCmd().build(),
			newMigrateCmd().build(),
			newVersionCmd().build(),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("Error while executing command")
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level to use (debug, info, warn, error or fatal)",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "info",
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format to use (json or console)",
			EnvVars: []string{"LOG_FORMAT"},
			Value:   "json",
		},
		&cli.StringFlag{
			Name:    "base-path",
			Usage:   "Root directory of the model tree",
			EnvVars: []string{"MODEL_BASE_PATH"},
			Value:   "./models",
		},
	}
}
