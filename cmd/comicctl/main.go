// Command comicctl drives the comicstudio API from a terminal: it starts
// runs, follows their event stream and retries scenes.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cmd := &cli.Command{
		Name:  "comicctl",
		Usage: "start and follow comicstudio generation runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("COMICSTUDIO_SERVER"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token",
				Sources: cli.EnvVars("COMICSTUDIO_TOKEN"),
			},
		},
		Commands: []*cli.Command{
			comicCommand(),
			imageCommand(),
			retryCommand(),
			tokenCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logger.WithContext(ctx)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("comicctl failed")
		os.Exit(1)
	}
}
