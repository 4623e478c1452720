package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"logwarden/internal/config"
	"logwarden/internal/logging"
	"logwarden/internal/pipeline"
)

var version = "dev"

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: logwarden [-config file] <command> [flags]

Commands:
  tail     follow log files and publish lines to raw_logs
  detect   run windowed detectors over raw_logs
  score    run the baseline anomaly scorer over raw_logs
  route    route alerts to the decision service and apply actions
  decide   turn decision requests into actions
  respond  execute block actions
  all      run every component in one process
  version  print the version

`)
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("config", "", "Configuration file path (YAML or JSON)")
	envFile := flag.String("env", ".env", "Environment file loaded before the config")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	command, args := flag.Arg(0), flag.Args()[1:]
	if command == "version" {
		fmt.Println(version)
		return
	}

	if err := config.LoadEnvFiles(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "logwarden: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logwarden: load config: %v\n", err)
		os.Exit(1)
	}

	opts, err := parseCommand(command, args, cfg)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "logwarden: %v\n", err)
		os.Exit(2)
	}
	opts.Version = version

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Build(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("startup failed", "command", command, "error", err)
		os.Exit(1)
	}
	if err := p.Run(ctx); err != nil {
		logger.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// parseCommand maps a subcommand and its flags to pipeline options, applying
// flag overrides to cfg.
func parseCommand(command string, args []string, cfg *config.Config) (pipeline.Options, error) {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	var opts pipeline.Options
	var watches, detectors listFlag

	switch command {
	case "tail", "all":
		fs.Var(&watches, "watch", "PATH:LABEL to follow (repeatable)")
		poll := fs.Duration("poll", cfg.Tailer.PollInterval, "Poll interval for file changes")
		health := fs.Duration("health", cfg.Tailer.HealthInterval, "Interval between source health reports")
		if command == "all" {
			fs.Var(&detectors, "detector", "Detector to run (repeatable, default all enabled)")
		}
		if err := fs.Parse(args); err != nil {
			return opts, err
		}
		if *poll <= 0 || *health <= 0 {
			return opts, errors.New("-poll and -health must be positive")
		}
		cfg.Tailer.PollInterval = *poll
		cfg.Tailer.HealthInterval = *health
		opts.Roles = []pipeline.Role{pipeline.RoleTail}
		if command == "all" {
			opts.Roles = pipeline.AllRoles
		}
	case "detect":
		fs.Var(&detectors, "detector", "Detector to run (repeatable, default all enabled)")
		if err := fs.Parse(args); err != nil {
			return opts, err
		}
		opts.Roles = []pipeline.Role{pipeline.RoleDetect}
	case "score":
		interval := fs.Duration("interval", cfg.Scoring.Interval, "Scoring interval")
		if err := fs.Parse(args); err != nil {
			return opts, err
		}
		if *interval <= 0 {
			return opts, errors.New("-interval must be positive")
		}
		cfg.Scoring.Interval = *interval
		opts.Roles = []pipeline.Role{pipeline.RoleScore}
	case "route", "decide", "respond":
		if err := fs.Parse(args); err != nil {
			return opts, err
		}
		opts.Roles = []pipeline.Role{pipeline.Role(command)}
	default:
		return opts, fmt.Errorf("unknown command %q", command)
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	opts.Watches = watches
	opts.Detectors = detectors
	return opts, nil
}
