package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/logger"
	"github.com/reviewload/reviewload/internal/performance/config"
	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/performance/output"
	"github.com/reviewload/reviewload/internal/performance/report"
)

type runOptions struct {
	configFile    string
	baseURL       string
	stages        string
	thresholds    []string
	maxIterations int64
	maxDuration   time.Duration
	rps           float64
	out           string
	quiet         bool
	noColor       bool
	logLevel      string
	logFormat     string
	logFile       string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the review workflow load test",
		Long: `Run the review workflow against a target service.

Without --config the built-in profile is used: 5s→5, 5s→10, 5s→0 VUs against
http://localhost:8080 with p(95)<300 on http_req_duration and rate<0.01 on
http_req_failed. Flags override the corresponding config values.

Examples:
  reviewload run
  reviewload run --config load.yaml --out report.json.zst
  reviewload run --base-url http://svc:8080 --stages "30s:20,1m:20,30s:0" \
    --threshold "http_req_duration{step:create_pr}=p(95)<500"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.buildConfig(cmd)
			if err != nil {
				return &ExitError{Code: engine.ExitError, Err: err}
			}
			return runLoadTest(cmd, cfg, opts)
		},
	}

	bindRunFlags(cmd, opts)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, opts *runOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML or JSON test configuration")
	f.StringVar(&opts.baseURL, "base-url", "", "Base URL of the target service")
	f.StringVar(&opts.stages, "stages", "", `Ramp stages as "duration:target,..." (e.g. "5s:5,5s:10,5s:0")`)
	f.StringArrayVar(&opts.thresholds, "threshold", nil, `Threshold as "metric=expression" (repeatable)`)
	f.Int64Var(&opts.maxIterations, "max-iterations", 0, "Stop after this many iterations across all VUs")
	f.DurationVar(&opts.maxDuration, "max-duration", 0, "Stop after this much wall-clock time")
	f.Float64Var(&opts.rps, "rps", 0, "Global request rate cap (0 = unlimited)")
	f.StringVarP(&opts.out, "out", "o", "", "Write a report (.json, .json.zst or .html)")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the verdict")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format (console, json)")
	f.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to a rotated file")
}

// buildConfig loads the config file (or the built-in profile) and applies
// flag overrides.
func (o *runOptions) buildConfig(cmd *cobra.Command) (*config.TestConfig, error) {
	var cfg *config.TestConfig
	if o.configFile != "" {
		loaded, err := config.LoadConfig(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.Settings.BaseURL = o.baseURL
	}
	if flags.Changed("stages") {
		stages, err := parseStages(o.stages)
		if err != nil {
			return nil, fmt.Errorf("invalid stages format: %w", err)
		}
		cfg.Stages = stages
	}
	if len(o.thresholds) > 0 {
		if cfg.Thresholds == nil {
			cfg.Thresholds = make(map[string][]string)
		}
		for _, t := range o.thresholds {
			metric, expr, err := parseThreshold(t)
			if err != nil {
				return nil, err
			}
			cfg.Thresholds[metric] = append(cfg.Thresholds[metric], expr)
		}
	}
	if flags.Changed("max-iterations") {
		cfg.Options.MaxIterations = o.maxIterations
	}
	if flags.Changed("max-duration") {
		cfg.Options.MaxDuration = config.Duration(o.maxDuration)
	}
	if flags.Changed("rps") {
		cfg.Options.RPS = o.rps
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}

	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runLoadTest(cmd *cobra.Command, cfg *config.TestConfig, opts *runOptions) error {
	log, err := logger.New(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return &ExitError{Code: engine.ExitError, Err: err}
	}
	defer func() { _ = log.Sync() }()

	eng, err := engine.NewEngine(cfg, engine.WithLogger(log))
	if err != nil {
		return &ExitError{Code: engine.ExitError, Err: err}
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer:  cmd.OutOrStdout(),
		Quiet:   opts.quiet,
		NoColor: opts.noColor,
	})
	console.PrintHeader(cfg.Name, cfg.Settings.BaseURL, cfg.ExecutorConfig().Stages)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchCtx, stopWatch := context.WithCancel(ctx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		console.Watch(watchCtx, eng)
	}()

	result, runErr := eng.Run(ctx)
	stopWatch()
	<-watched

	console.PrintSummary(result, runErr)
	code := engine.ExitCode(result, runErr)

	if opts.out != "" {
		if err := report.Write(opts.out, report.New(result, runErr)); err != nil {
			log.Error("failed to write report", zap.String("path", opts.out), zap.Error(err))
			if code == engine.ExitPassed {
				code = engine.ExitError
			}
		} else if !opts.quiet {
			writeLine(cmd.OutOrStdout(), "Report: %s", opts.out)
		}
	}

	if code != engine.ExitPassed {
		return &ExitError{Code: code}
	}
	return nil
}

// parseStages parses stages from the CLI format "30s:10,2m:10,30s:0".
func parseStages(stagesStr string) ([]config.StageConfig, error) {
	var stages []config.StageConfig

	for i, part := range strings.Split(stagesStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}
		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		d, err := config.ParseDurationString(durationStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}
		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}
		if target < 0 {
			return nil, fmt.Errorf("stage %d: target cannot be negative", i+1)
		}

		stages = append(stages, config.StageConfig{
			Duration: config.Duration(d),
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	return stages, nil
}

// parseThreshold splits "metric=expression". The metric may carry a tag
// filter, e.g. "http_req_duration{step:create_pr}=p(95)<500".
func parseThreshold(s string) (string, string, error) {
	metric, expr, ok := strings.Cut(s, "=")
	metric, expr = strings.TrimSpace(metric), strings.TrimSpace(expr)
	if !ok || metric == "" || expr == "" {
		return "", "", fmt.Errorf("invalid threshold %q: expected 'metric=expression'", s)
	}
	return metric, expr, nil
}

func writeLine(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
}
