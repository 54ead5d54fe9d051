package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rlch/drover"
	"github.com/rlch/drover/launcher"
	"github.com/rlch/drover/logging"
	"github.com/rlch/drover/metrics"
	"github.com/rlch/drover/report"
	"github.com/rlch/drover/result"
	"github.com/rlch/drover/runner"
	"github.com/rlch/drover/telemetry"
	"github.com/rlch/drover/worker"
)

// Run command errors.
var (
	ErrInvalidCaps = errors.New("invalid --caps value (want key=value[,key=value])")
	ErrInvalidTUI  = errors.New("invalid --tui value (want auto, on or off)")
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run suites and scripts",
		ArgsUsage: "[suites, scripts or directories...]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "parallel",
				Aliases: []string{"p"},
				Usage:   "lanes running at once (overrides suite and config)",
				Sources: cli.EnvVars("DROVER_PARALLEL"),
			},
			&cli.DurationFlag{
				Name:    "ramp-up",
				Usage:   "window over which lane starts are spread",
				Sources: cli.EnvVars("DROVER_RAMP_UP"),
			},
			&cli.IntFlag{
				Name:  "iterations",
				Usage: "suite iterations (overrides the suite file)",
			},
			&cli.StringFlag{
				Name:    "worker",
				Usage:   "worker isolation: process or inproc",
				Sources: cli.EnvVars("DROVER_WORKER"),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output events as JSON lines",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "print every step",
			},
			&cli.StringFlag{
				Name:  "tui",
				Usage: "live tree view: auto, on or off",
				Value: "auto",
			},
			&cli.BoolFlag{
				Name:  "fail-fast",
				Usage: "stop on the first failed iteration",
			},
			&cli.IntFlag{
				Name:  "max-failures",
				Usage: "stop after this many failed iterations (0 = unlimited)",
			},
			&cli.DurationFlag{
				Name:  "delay",
				Usage: "pause before every public module operation",
			},
			&cli.BoolFlag{
				Name:  "continue-on-error",
				Usage: "record fatal step failures without aborting the iteration",
			},
			&cli.StringFlag{
				Name:    "report-dir",
				Usage:   "directory for the JSON report",
				Sources: cli.EnvVars("DROVER_REPORT_DIR"),
			},
			&cli.BoolFlag{
				Name:  "screenshots",
				Usage: "capture failure artifacts from modules that support them",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve Prometheus metrics on this address while running",
				Sources: cli.EnvVars("DROVER_METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "write Prometheus metrics in text format to this file when done",
			},
			&cli.StringFlag{
				Name:    "otel-endpoint",
				Usage:   "OTLP gRPC endpoint for traces",
				Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "otel-resource-attributes",
				Usage:   "extra trace resource attributes (key=value,...)",
				Sources: cli.EnvVars("OTEL_RESOURCE_ATTRIBUTES"),
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded into the script env bag (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "caps",
				Usage: "lane capabilities as key=value[,key=value]; one lane per flag",
			},
			&cli.BoolFlag{
				Name:  "pause",
				Usage: "wait for Enter at every breakpoint",
			},
		},
		Action: runRun,
	}
}

// runSettings is the merged view of config file and flags.
type runSettings struct {
	cfg       *drover.Config
	configDir string

	parallel    int
	rampUp      time.Duration
	hasRampUp   bool
	iterations  int
	maxFailures int
	failFast    bool
	pause       bool

	env  map[string]string
	caps []drover.Capabilities
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	files, err := collectFiles(cmd.Args().Slice())
	if err != nil {
		return err
	}

	settings, err := loadSettings(cmd, filepath.Dir(files[0]))
	if err != nil {
		return err
	}

	cfg := settings.cfg

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync() }()

	suites := make([]*drover.Suite, 0, len(files))

	for _, file := range files {
		s, err := drover.LoadSuite(file)
		if err != nil {
			return err
		}

		err = cfg.ApplyTo(s)
		if err != nil {
			return fmt.Errorf("applying config to %s: %w", file, err)
		}

		if settings.iterations > 0 {
			s.Iterations = settings.iterations
		}

		suites = append(suites, s)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:      cfg.Telemetry.Endpoint,
		Insecure:      cfg.Telemetry.Insecure,
		ServiceName:   cfg.Telemetry.ServiceName,
		Headers:       cfg.Telemetry.Headers,
		ResourceAttrs: cmd.String("otel-resource-attributes"),
	}, logger)
	if err != nil {
		return err
	}

	defer func() {
		err := shutdown(context.WithoutCancel(ctx))
		if err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()

	if cfg.Metrics.Addr != "" {
		go func() {
			err := collector.Serve(ctx, cfg.Metrics.Addr, logger)
			if err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	factory, err := worker.NewFactory(cfg.Worker,
		worker.WithLogger(logger),
		worker.WithEnv(workerEnv(cfg.Log.Level, cfg.Log.Format)...),
	)
	if err != nil {
		return err
	}

	formatHandler, useTUI, err := newFormatHandler(cmd, settings, suites)
	if err != nil {
		return err
	}

	tally := runner.NewTally()
	handler := runner.NewSyncHandler(runner.NewMultiHandler(formatHandler, collector))

	runnerOpts := []runner.Option{
		runner.WithWorker(factory),
		runner.WithHandler(handler),
		runner.WithTally(tally),
		runner.WithMaxFailures(settings.maxFailures),
		runner.WithFailFast(settings.failFast),
		runner.WithEnv(settings.env),
		runner.WithArtifacts(cfg.Artifacts),
	}

	if cfg.Delay > 0 {
		runnerOpts = append(runnerOpts, runner.WithDelay(cfg.Delay))
	}

	if cfg.ContinueOnError {
		runnerOpts = append(runnerOpts, runner.WithContinueOnError(true))
	}

	if settings.pause {
		runnerOpts = append(runnerOpts, runner.WithBreakpoint(newPauser(os.Stdin, os.Stderr).wait))
	}

	launchOpts := []launcher.Option{
		launcher.WithParallel(settings.parallel),
		launcher.WithLogger(logger),
		launcher.WithRunnerOptions(runnerOpts...),
		launcher.WithLaneDone(func(test *result.Test, err error) {
			if err != nil && !useTUI {
				logger.Debug("lane finished", zap.String("suite", test.Suite), zap.Int("lane", test.Lane), zap.Error(err))
			}
		}),
	}

	if settings.hasRampUp {
		launchOpts = append(launchOpts, launcher.WithRampUp(settings.rampUp))
	}

	l := launcher.New(launchOpts...)

	var (
		tests  []*result.Test
		runErr error
	)

	for _, s := range suites {
		if settings.maxFailures > 0 && tally.Failures() >= settings.maxFailures {
			logger.Info("max failures reached, skipping remaining suites")

			break
		}

		caps := settings.caps
		if len(caps) == 0 {
			caps = s.Capabilities
		}

		results, err := l.Run(ctx, s, caps)
		tests = append(tests, results...)

		if err != nil {
			runErr = err

			if ctx.Err() != nil {
				break
			}

			logger.Error("suite aborted", zap.String("suite", s.Name), zap.Error(err))
		}
	}

	tally.Finish()

	if summarizer, ok := formatHandler.(runner.Summarizer); ok {
		_ = summarizer.Summary(tally)
	}

	err = writeReports(ctx, cmd, cfg, tests, useTUI)
	if err != nil {
		logger.Error("writing reports failed", zap.Error(err))
	}

	if cfg.Metrics.File != "" {
		err = collector.Write(cfg.Metrics.File)
		if err != nil {
			logger.Error("writing metrics failed", zap.String("path", cfg.Metrics.File), zap.Error(err))
		}
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		return cli.Exit("interrupted", 130)
	}

	if runErr != nil || !report.Build(tests, time.Now()).Ok {
		return cli.Exit("", 1)
	}

	return nil
}

// loadSettings merges .drover.yaml (when one is found) with flags. Flags win.
func loadSettings(cmd *cli.Command, dir string) (*runSettings, error) {
	cfg := drover.DefaultConfig()
	configDir := dir

	path, err := drover.FindConfig(dir)

	switch {
	case err == nil:
		cfg, err = drover.LoadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}

		configDir = filepath.Dir(path)
	case !errors.Is(err, drover.ErrConfigNotFound):
		return nil, err
	}

	if v := cmd.String("worker"); v != "" {
		cfg.Worker = v
	}

	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}

	if v := cmd.String("log-format"); v != "" {
		cfg.Log.Format = v
	}

	if cmd.IsSet("delay") {
		cfg.Delay = cmd.Duration("delay")
	}

	if cmd.Bool("continue-on-error") {
		cfg.ContinueOnError = true
	}

	if v := cmd.String("report-dir"); v != "" {
		cfg.Report.Dir = v
	}

	if cmd.Bool("screenshots") {
		cfg.Artifacts.Screenshots = true
	}

	if v := cmd.String("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}

	if v := cmd.String("metrics-file"); v != "" {
		cfg.Metrics.File = v
	}

	if v := cmd.String("otel-endpoint"); v != "" {
		cfg.Telemetry.Endpoint = v
	}

	s := &runSettings{
		cfg:         cfg,
		configDir:   configDir,
		parallel:    cmd.Int("parallel"),
		iterations:  cmd.Int("iterations"),
		maxFailures: cfg.MaxFailures,
		failFast:    cmd.Bool("fail-fast"),
		pause:       cmd.Bool("pause"),
	}

	if cmd.IsSet("max-failures") {
		s.maxFailures = cmd.Int("max-failures")
	}

	if s.failFast {
		s.maxFailures = 1
	}

	if cmd.IsSet("ramp-up") {
		s.rampUp = cmd.Duration("ramp-up")
		s.hasRampUp = true
	}

	s.env, err = loadEnv(configDir, cfg.EnvFiles, cmd.StringSlice("env-file"))
	if err != nil {
		return nil, err
	}

	for _, raw := range cmd.StringSlice("caps") {
		caps, err := parseCaps(raw)
		if err != nil {
			return nil, err
		}

		s.caps = append(s.caps, caps)
	}

	return s, nil
}

// loadEnv reads dotenv files into one bag. Config files resolve against
// the config directory; later files override earlier ones.
func loadEnv(configDir string, configFiles, flagFiles []string) (map[string]string, error) {
	paths := make([]string, 0, len(configFiles)+len(flagFiles))

	for _, f := range configFiles {
		if !filepath.IsAbs(f) {
			f = filepath.Join(configDir, f)
		}

		paths = append(paths, f)
	}

	paths = append(paths, flagFiles...)

	env := map[string]string{}

	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("reading env file %s: %w", path, err)
		}

		for k, v := range values {
			env[k] = v
		}
	}

	return env, nil
}

// parseCaps parses "browser=chrome,version=120" into capabilities.
func parseCaps(raw string) (drover.Capabilities, error) {
	caps := drover.Capabilities{}

	for part := range strings.SplitSeq(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		key, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCaps, raw)
		}

		caps[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	if len(caps) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCaps, raw)
	}

	return caps, nil
}

// newFormatHandler picks the output: JSON lines, verbose, the live TUI or
// dots. It reports whether the TUI owns the terminal.
func newFormatHandler(cmd *cli.Command, s *runSettings, suites []*drover.Suite) (runner.Handler, bool, error) {
	switch {
	case cmd.Bool("json"):
		return runner.NewFormatHandler(runner.NewJSONFormatter(os.Stdout), os.Stderr), false, nil
	case cmd.Bool("verbose"):
		return runner.NewFormatHandler(runner.NewVerboseFormatter(os.Stdout), os.Stderr), false, nil
	}

	useTUI, err := wantTUI(cmd.String("tui"), s.pause)
	if err != nil {
		return nil, false, err
	}

	if !useTUI {
		return runner.NewFormatHandler(runner.NewDotsFormatter(os.Stdout), os.Stderr), false, nil
	}

	trees := make([]runner.SuiteTree, len(suites))
	for i, suite := range suites {
		lanes := len(s.caps)
		if lanes == 0 {
			lanes = len(suite.Capabilities)
		}

		trees[i] = runner.BuildSuiteTree(suite, max(lanes, 1))
	}

	tuiHandler := runner.NewTUIHandler(os.Stdout, os.Stderr)
	tuiHandler.SetSuites(trees)

	err = tuiHandler.Start()
	if err != nil {
		return nil, false, fmt.Errorf("failed to start TUI: %w", err)
	}

	return tuiHandler, true, nil
}

// wantTUI resolves the --tui mode. Pausing needs stdin, so it disables the
// automatic choice.
func wantTUI(mode string, pause bool) (bool, error) {
	switch mode {
	case "on":
		return true, nil
	case "off":
		return false, nil
	case "", "auto":
		return !pause && isatty.IsTerminal(os.Stdout.Fd()), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidTUI, mode)
	}
}

// writeReports writes the JSON report and, unless another renderer owns
// stdout, the summary table.
func writeReports(ctx context.Context, cmd *cli.Command, cfg *drover.Config, tests []*result.Test, useTUI bool) error {
	var sinks []report.Sink

	if cfg.Report.Dir != "" {
		name := fmt.Sprintf("drover-%s.json", time.Now().UTC().Format("20060102T150405Z"))
		sinks = append(sinks, report.NewJSONSink(filepath.Join(cfg.Report.Dir, name)))
	}

	if !cmd.Bool("json") && !useTUI {
		sinks = append(sinks, report.NewTableSink(os.Stdout, "drover", isatty.IsTerminal(os.Stdout.Fd())))
	}

	return report.WriteAll(ctx, tests, sinks...)
}
