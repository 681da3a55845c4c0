// Package engine runs a load test end to end: it ramps virtual users through
// the review workflow, watches the target's reachability and evaluates the
// thresholds once the run is over.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reviewload/reviewload/internal/performance"
	"github.com/reviewload/reviewload/internal/performance/config"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/metrics"
	"github.com/reviewload/reviewload/internal/performance/rate"
	"github.com/reviewload/reviewload/internal/performance/scenario"
	"github.com/reviewload/reviewload/internal/performance/threshold"
	"github.com/reviewload/reviewload/internal/telemetry"
)

var (
	// ErrTargetUnreachable is returned when transport errors pile up before
	// the target has answered a single request.
	ErrTargetUnreachable = errors.New("target unreachable")

	// ErrAlreadyRunning is returned by Run while another Run is in progress.
	ErrAlreadyRunning = errors.New("engine is already running")
)

const defaultWatchInterval = 100 * time.Millisecond

// Engine is the run controller.
//
// It coordinates:
//   - the ramping scheduler and the VU pool
//   - the scenario runner shared by every VU
//   - the reachability watchdog and host sampler
//   - threshold evaluation
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("review-assigner.yaml")
//	eng, _ := engine.NewEngine(cfg)
//	result, err := eng.Run(ctx)
//	os.Exit(engine.ExitCode(result, err))
type Engine struct {
	config    *config.TestConfig
	logger    *zap.Logger
	client    *http.Client
	steps     []scenario.Step
	observers []metrics.Observer
	evaluator *threshold.Evaluator

	watchInterval time.Duration

	mu        sync.RWMutex
	running   bool
	collector *metrics.Collector
	scheduler *executor.RampingVUs
	pool      *performance.VUPool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithHTTPClient replaces the client built from the settings.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithObserver attaches an observer to every run's collector.
func WithObserver(o metrics.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithSteps replaces the review workflow with custom steps.
func WithSteps(steps []scenario.Step) Option {
	return func(e *Engine) {
		e.steps = steps
	}
}

// WithWatchInterval sets how often the reachability watchdog polls.
func WithWatchInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.watchInterval = d
		}
	}
}

// TestResult contains the complete outcome of a run.
type TestResult struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	BaseURL     string             `json:"baseUrl"`
	StartTime   time.Time          `json:"startTime"`
	EndTime     time.Time          `json:"endTime"`
	Duration    time.Duration      `json:"duration"`
	EndReason   executor.EndReason `json:"endReason"`

	Stages     []executor.Stage      `json:"stages"`
	Metrics    []metrics.Summary     `json:"metrics"`
	Timeline   []metrics.Bucket      `json:"timeline,omitempty"`
	Phases     []metrics.PhaseChange `json:"phases,omitempty"`
	Iterations int64                 `json:"iterations"`
	MaxVUs     int                   `json:"maxVUs"`

	// SteadyStateRPS averages the per-second request rate over the steady
	// phase; zero when no steady bucket was recorded.
	SteadyStateRPS float64 `json:"steadyStateRps,omitempty"`

	Verdict threshold.Verdict `json:"verdict"`

	// GracefulStopExpired is set when in-flight iterations outlived the
	// graceful stop and were cancelled.
	GracefulStopExpired bool `json:"gracefulStopExpired,omitempty"`
}

// Metric returns the summary of the named metric.
func (r *TestResult) Metric(name string) (metrics.Summary, bool) {
	for _, s := range r.Metrics {
		if s.Name == name {
			return s, true
		}
	}
	return metrics.Summary{}, false
}

// Summarize implements threshold.Source over the final summaries.
func (r *TestResult) Summarize(name string) (metrics.Summary, bool) {
	return r.Metric(name)
}

// NewEngine validates cfg and prepares the engine. Configuration errors are
// returned here, before anything runs.
func NewEngine(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("invalid configuration: nil config")
	}
	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config:        cfg,
		logger:        zap.NewNop(),
		watchInterval: defaultWatchInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.steps == nil {
		steps, err := scenario.ReviewWorkflow(cfg.WorkflowConfig())
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		e.steps = steps
	}
	if e.client == nil {
		e.client = performance.NewHTTPClient(cfg.HTTPClientConfig())
	}

	evaluator, err := threshold.NewEvaluator(cfg.ThresholdSpecs(), threshold.WithFailOnNoData(cfg.Options.FailOnNoData))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	e.evaluator = evaluator

	// dry-build the runner and scheduler so bad steps or stages fail now
	if _, err := e.newRunner(metrics.NewCollector(), nil); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ExecutorConfig().Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return e, nil
}

func (e *Engine) newRunner(collector *metrics.Collector, limiter *rate.LeakyBucket) (*scenario.Runner, error) {
	return scenario.NewRunner(scenario.RunnerConfig{
		BaseURL:   e.config.Settings.BaseURL,
		Steps:     e.steps,
		Client:    e.client,
		Collector: collector,
		Limiter:   limiter,
		Headers:   e.config.Settings.Headers,
		UserAgent: e.config.Settings.UserAgent,
		Logger:    e.logger,
	})
}

// Run executes the test and returns its result.
//
// The run ends when the stages complete, options.maxDuration is reached,
// the iteration budget runs out or ctx is cancelled. A natural end lets
// in-flight iterations finish within the graceful stop; cancellation stops
// them at once. Either way the samples recorded so far are evaluated.
//
// The returned error is non-nil only for ErrTargetUnreachable, a second
// concurrent Run, a telemetry exporter that cannot start, or an internal
// failure; failed thresholds are reported through the verdict.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	collector := metrics.NewCollector()
	for _, o := range e.observers {
		collector.AddObserver(o)
	}
	// metrics under a threshold are listed in the result even without samples
	for _, th := range e.evaluator.Thresholds() {
		if t, ok := metrics.BuiltinType(th.Metric); ok {
			if err := collector.Register(th.Metric, t); err != nil {
				return nil, err
			}
		}
	}
	shutdownTelemetry, err := e.startTelemetry(ctx, collector)
	if err != nil {
		return nil, err
	}
	defer shutdownTelemetry()

	var limiter *rate.LeakyBucket
	if e.config.Options.RPS > 0 {
		limiter = rate.NewLeakyBucket(e.config.Options.RPS)
	}

	runner, err := e.newRunner(collector, limiter)
	if err != nil {
		return nil, err
	}

	pool := performance.NewVUPool(performance.PoolConfig{
		Iteration: runner,
		Collector: collector,
		Pacing:    e.config.Pacing(),
		Budget:    performance.NewIterationBudget(e.config.Options.MaxIterations),
		Logger:    e.logger,
	})

	scheduler, err := executor.NewRampingVUs(e.config.ExecutorConfig(), pool,
		executor.WithLogger(e.logger),
		executor.WithCollector(collector),
		executor.WithFinished(func() bool {
			return pool.Exhausted() && pool.Running() == 0
		}),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.collector = collector
	e.scheduler = scheduler
	e.pool = pool
	e.mu.Unlock()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	// background work outlives runCtx so the last timeline bucket and host
	// sample cover the drain
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	g, bgCtx := errgroup.WithContext(bgCtx)

	g.Go(func() error {
		collector.RunEmitter(bgCtx)
		return nil
	})
	if ceiling := e.config.FailureCeiling(); ceiling > 0 {
		g.Go(func() error {
			e.watchReachability(bgCtx, collector, ceiling, cancelRun)
			return nil
		})
	}
	if host := e.config.Telemetry.HostMetrics; host.Enabled {
		sampler := telemetry.NewHostSampler(collector, time.Duration(host.Interval), e.logger)
		g.Go(func() error {
			return sampler.Run(bgCtx)
		})
	}

	start := time.Now()
	e.logger.Info("run started",
		zap.String("name", e.config.Name),
		zap.String("baseUrl", e.config.Settings.BaseURL),
		zap.Int("stages", len(e.config.Stages)),
		zap.Int("maxVUs", scheduler.Config().MaxTarget()))

	reason := scheduler.Run(runCtx)
	expired := e.stopPool(pool, reason, scheduler.Config().GracefulStop)
	collector.SetPhase(metrics.PhaseDone)

	stopBackground()
	if err := g.Wait(); err != nil {
		e.logger.Warn("background task failed", zap.Error(err))
	}
	end := time.Now()

	result := &TestResult{
		Name:                e.config.Name,
		Description:         e.config.Description,
		BaseURL:             e.config.Settings.BaseURL,
		StartTime:           start,
		EndTime:             end,
		Duration:            end.Sub(start),
		EndReason:           reason,
		Stages:              scheduler.Config().Stages,
		Metrics:             collector.Summaries(),
		Timeline:            collector.Timeline().Buckets(),
		Phases:              collector.PhaseHistory(),
		MaxVUs:              pool.MaxActive(),
		GracefulStopExpired: expired,
	}
	if it, ok := collector.Summarize(metrics.Iterations); ok {
		result.Iterations = int64(it.Value)
	}
	result.SteadyStateRPS, _ = collector.Timeline().SteadyStateRPS()
	result.Verdict = e.evaluator.Evaluate(collector)

	if cause := context.Cause(runCtx); errors.Is(cause, ErrTargetUnreachable) {
		return result, cause
	}

	e.logger.Info("run finished",
		zap.String("reason", string(reason)),
		zap.Duration("duration", result.Duration),
		zap.Int64("iterations", result.Iterations),
		zap.Bool("passed", result.Verdict.Passed))
	return result, nil
}

// stopPool ends the VUs for reason and reports whether the graceful stop
// expired.
func (e *Engine) stopPool(pool *performance.VUPool, reason executor.EndReason, graceful time.Duration) bool {
	pool.StopAll()

	if reason == executor.EndCancelled {
		pool.HardStop()
		return false
	}

	if pool.Wait(graceful) {
		pool.HardStop()
		return false
	}
	e.logger.Warn("graceful stop expired, cancelling in-flight iterations",
		zap.Duration("gracefulStop", graceful),
		zap.Int("running", pool.Running()))
	pool.HardStop()
	return true
}

// watchReachability cancels the run once more than ceiling transport errors
// have been recorded without a single response.
func (e *Engine) watchReachability(ctx context.Context, collector *metrics.Collector, ceiling int, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(e.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		failures, ok := collector.Summarize(metrics.TransportErrors)
		if !ok || failures.Value <= float64(ceiling) {
			continue
		}
		if responses, ok := collector.Summarize(metrics.HTTPReqDuration); ok && responses.Count > 0 {
			// the target answered at least once; errors are ordinary failures
			return
		}

		e.logger.Error("target unreachable, aborting run",
			zap.String("baseUrl", e.config.Settings.BaseURL),
			zap.Float64("transportErrors", failures.Value),
			zap.Int("ceiling", ceiling))
		cancel(fmt.Errorf("%w: %d transport errors and no response from %s",
			ErrTargetUnreachable, int(failures.Value), e.config.Settings.BaseURL))
		return
	}
}

// startTelemetry attaches the configured exporters to collector and returns
// a function that shuts them down. An exporter that cannot start is a
// configuration error: the ones already started are shut down and the run
// does not begin.
func (e *Engine) startTelemetry(ctx context.Context, collector *metrics.Collector) (func(), error) {
	var shutdowns []func(context.Context) error
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, fn := range shutdowns {
			if err := fn(ctx); err != nil {
				e.logger.Warn("telemetry shutdown failed", zap.Error(err))
			}
		}
	}
	tcfg := e.config.Telemetry

	if tcfg.OTel.Exporter != "" && tcfg.OTel.Exporter != telemetry.ExporterNone {
		obs, err := telemetry.NewOTelObserver(ctx, telemetry.OTelConfig{
			Exporter:       tcfg.OTel.Exporter,
			Endpoint:       tcfg.OTel.Endpoint,
			Insecure:       tcfg.OTel.Insecure,
			ServiceName:    tcfg.OTel.ServiceName,
			ServiceVersion: config.Version,
			Interval:       time.Duration(tcfg.OTel.Interval),
			Attributes:     map[string]string{"test.name": e.config.Name},
		})
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: telemetry.otel: %w", err)
		}
		collector.AddObserver(obs)
		shutdowns = append(shutdowns, obs.Shutdown)
	}

	if tcfg.Prometheus.Listen != "" {
		prom := telemetry.NewPrometheusObserver(tcfg.Prometheus.Namespace, e.logger)
		if err := prom.Start(tcfg.Prometheus.Listen); err != nil {
			shutdown()
			return nil, fmt.Errorf("invalid configuration: telemetry.prometheus: %w", err)
		}
		collector.AddObserver(prom)
		shutdowns = append(shutdowns, prom.Shutdown)
	}

	return shutdown, nil
}
