package main

import (
	"context"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rlch/drover/logging"
	"github.com/rlch/drover/worker"
)

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Serve one worker session over stdin and stdout",
		Hidden: true,
		Action: runWorker,
	}
}

// runWorker is the process started by the process transport. Stdout carries
// the protocol stream, so logs always go to stderr.
func runWorker(ctx context.Context, cmd *cli.Command) error {
	logger, err := logging.New(firstNonEmpty(cmd.String("log-level"), "info"), firstNonEmpty(cmd.String("log-format"), "json"))
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync() }()

	logger = logger.Named("worker")

	err = worker.ServeStdio(ctx, logger)
	if err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", zap.Error(err))

		return err
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// workerEnv hands the parent's log settings to spawned workers through the
// variables backing the global flags.
func workerEnv(level, format string) []string {
	var env []string

	if level != "" {
		env = append(env, "DROVER_LOG_LEVEL="+level)
	}

	if format != "" {
		env = append(env, "DROVER_LOG_FORMAT="+format)
	}

	return env
}
