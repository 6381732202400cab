package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/bugfind/internal/app"
	"github.com/cam3ron2/bugfind/internal/config"
	"github.com/cam3ron2/bugfind/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "bugfind: %v\n", err)
		os.Exit(1)
	}
}

// options are the command line overrides applied on top of the config file.
type options struct {
	configPath       string
	outJSON          string
	outCSV           string
	token            string
	cutoff           string
	maxRepos         int
	maxIssuesPerRepo int
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options
	flags := flag.NewFlagSet("bugfind", flag.ContinueOnError)
	flags.SetOutput(output)
	flags.StringVar(&opts.configPath, "config", "", "path to YAML config file")
	flags.StringVar(&opts.outJSON, "out-json", "", "JSON output path (default issues_commits.json)")
	flags.StringVar(&opts.outCSV, "out-csv", "", "CSV output path (default issues_commits.csv)")
	flags.StringVar(&opts.token, "token", "", "GitHub token (default $GITHUB_TOKEN)")
	flags.StringVar(&opts.cutoff, "cutoff", "", "only issues created on or after this date, YYYY-MM-DD (default 2025-01-22)")
	flags.IntVar(&opts.maxRepos, "max-repos", 0, "maximum repositories to crawl (default 100)")
	flags.IntVar(&opts.maxIssuesPerRepo, "max-issues-per-repo", 0, "maximum bug issues per repository (default 20)")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if flags.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}
	return opts, nil
}

// loadConfig reads the config file when one is given and applies the flag
// overrides. A token flag wins over GITHUB_TOKEN.
func loadConfig(opts options, getenv func(string) string) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		configFile, err := os.Open(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer func() {
			_ = configFile.Close()
		}()

		cfg, err = config.LoadWithEnv(configFile, getenv)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if opts.outJSON != "" {
		cfg.Output.JSONPath = opts.outJSON
	}
	if opts.outCSV != "" {
		cfg.Output.CSVPath = opts.outCSV
	}
	if opts.token != "" {
		cfg.GitHub.Token = opts.token
	}
	cfg.ApplyEnv(getenv)
	if opts.cutoff != "" {
		cutoff, err := config.ParseCutoff(opts.cutoff)
		if err != nil {
			return nil, err
		}
		cfg.Crawl.Cutoff = cutoff
	}
	if opts.maxRepos != 0 {
		cfg.Crawl.MaxRepos = opts.maxRepos
	}
	if opts.maxIssuesPerRepo != 0 {
		cfg.Crawl.MaxIssuesPerRepo = opts.maxIssuesPerRepo
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseOptions(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts, os.Getenv)
	if err != nil {
		return err
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "bugfind: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "bugfind",
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	if strings.TrimSpace(cfg.GitHub.Token) == "" && !cfg.GitHub.UsesAppAuth() {
		logger.Warn("no GitHub credentials configured; unauthenticated search limits apply")
	}

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runtime, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("close progress store", zap.Error(closeErr))
		}
	}()

	result, err := runtime.Run(rootCtx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown signal received", zap.Int("records_saved", len(result.Records)))
			return nil
		}
		return err
	}

	logger.Info("saved output",
		zap.Int("records", len(result.Records)),
		zap.String("json_path", cfg.Output.JSONPath),
		zap.String("csv_path", cfg.Output.CSVPath),
	)
	return nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports errors returned when syncing stderr on terminals and pipes.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
