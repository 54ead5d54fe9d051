// Command drover runs automation suites across parallel lanes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	// Register the built-in automation modules.
	_ "github.com/rlch/drover/modules/assert"
	_ "github.com/rlch/drover/modules/http"
	_ "github.com/rlch/drover/modules/log"
	_ "github.com/rlch/drover/modules/neo4j"
	_ "github.com/rlch/drover/modules/redis"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp().Run(ctx, os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "drover:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "drover",
		Usage:   "Run automation scripts across parallel lanes",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("DROVER_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "log encoding (console, json)",
				Sources: cli.EnvVars("DROVER_LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			checkCommand(),
			modulesCommand(),
			workerCommand(),
		},
	}
}
