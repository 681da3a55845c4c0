package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// Scaler adjusts the number of running VUs. *performance.VUPool implements it.
type Scaler interface {
	// ScaleTo spawns or retires VUs and returns the resulting active count.
	ScaleTo(target int) int
	// Active returns the current active count.
	Active() int
}

// EndReason says why Run returned.
type EndReason string

const (
	// EndCompleted means every stage ran to the end.
	EndCompleted EndReason = "completed"
	// EndMaxDuration means the run hit its duration cap.
	EndMaxDuration EndReason = "max-duration"
	// EndIterations means the iteration budget ran out and all VUs exited.
	EndIterations EndReason = "iterations"
	// EndCancelled means the caller's context was cancelled.
	EndCancelled EndReason = "cancelled"
)

// Option configures a RampingVUs.
type Option func(*RampingVUs)

// WithLogger sets the logger used for stage transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(e *RampingVUs) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCollector sets the collector that receives phase changes.
func WithCollector(c *metrics.Collector) Option {
	return func(e *RampingVUs) {
		e.collector = c
	}
}

// WithFinished sets a check polled on every tick; when it returns true the
// run ends early with EndIterations.
func WithFinished(fn func() bool) Option {
	return func(e *RampingVUs) {
		e.finished = fn
	}
}

// RampingVUs ramps the VU count up and down according to stages.
//
// Every tick it computes the desired VU count for the elapsed time and asks
// the Scaler to match it. Repeated ticks at the same desired count are no-ops,
// so ticks can be driven directly in tests through Tick.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config    Config
	pool      Scaler
	collector *metrics.Collector
	logger    *zap.Logger
	finished  func() bool

	startedAt    atomic.Int64 // unix nanos, 0 before Run
	targetVUs    atomic.Int32
	currentStage atomic.Int32
	running      atomic.Bool

	mu        sync.Mutex
	lastStage int
}

// NewRampingVUs validates cfg and creates a scheduler driving pool.
func NewRampingVUs(cfg Config, pool Scaler, opts ...Option) (*RampingVUs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("ramping-vus: nil scaler")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.GracefulStop == 0 {
		cfg.GracefulStop = 30 * time.Second
	}

	e := &RampingVUs{
		config:    cfg,
		pool:      pool,
		logger:    zap.NewNop(),
		lastStage: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration, defaults applied.
func (e *RampingVUs) Config() Config {
	return e.config
}

// Run ticks until the stages end, the duration cap is hit, the finished
// check fires or ctx is cancelled. It does not stop the VUs; the caller
// decides between a graceful drain and a hard stop.
func (e *RampingVUs) Run(ctx context.Context) EndReason {
	start := time.Now()
	e.startedAt.Store(start.UnixNano())
	e.running.Store(true)
	defer e.running.Store(false)

	runFor := e.config.RunDuration()
	reason := EndCompleted
	if runFor < e.config.TotalDuration() {
		reason = EndMaxDuration
	}

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(runFor)
	defer deadline.Stop()

	e.Tick(0)
	for {
		select {
		case <-ctx.Done():
			return EndCancelled
		case <-deadline.C:
			if reason == EndCompleted {
				// apply the final target so a last stage of 0 drains
				e.Tick(e.config.TotalDuration())
			}
			return reason
		case <-ticker.C:
			e.Tick(time.Since(start))
			if e.finished != nil && e.finished() {
				e.logger.Info("iteration budget exhausted, ending run early")
				return EndIterations
			}
		}
	}
}

// Tick adjusts the VU count for elapsed and returns the resulting active count.
func (e *RampingVUs) Tick(elapsed time.Duration) int {
	desired := DesiredVUs(e.config.Stages, elapsed)
	e.targetVUs.Store(int32(desired))

	active := e.pool.ScaleTo(desired)

	e.observeStage(elapsed, desired)
	return active
}

// observeStage logs stage transitions and marks the phase on the collector.
func (e *RampingVUs) observeStage(elapsed time.Duration, desired int) {
	idx, _ := stageAt(e.config.Stages, elapsed)
	if idx < 0 {
		idx = len(e.config.Stages)
	}
	e.currentStage.Store(int32(idx))

	if e.collector != nil {
		if phase := PhaseAt(e.config.Stages, elapsed); phase != metrics.PhaseDone {
			e.collector.SetPhase(phase)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if idx == e.lastStage {
		return
	}
	e.lastStage = idx

	if idx >= len(e.config.Stages) {
		e.logger.Info("all stages complete", zap.Int("vus", desired))
		return
	}
	stage := e.config.Stages[idx]
	e.logger.Info("stage started",
		zap.Int("stage", idx+1),
		zap.String("name", stage.Name),
		zap.Duration("duration", stage.Duration),
		zap.Int("target", stage.Target),
		zap.String("phase", string(PhaseAt(e.config.Stages, elapsed))))
}

func (e *RampingVUs) startTime() time.Time {
	ns := e.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	start := e.startTime()
	if start.IsZero() {
		return 0.0
	}
	if !e.running.Load() {
		return 1.0
	}

	total := e.config.RunDuration()
	if total == 0 {
		return 1.0
	}
	progress := float64(time.Since(start)) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// GetStats returns scheduler statistics.
func (e *RampingVUs) GetStats() *Stats {
	start := e.startTime()
	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if stageIdx < len(e.config.Stages) {
		stageName = e.config.Stages[stageIdx].Name
	}

	return &Stats{
		StartTime:        start,
		CurrentTime:      time.Now(),
		Elapsed:          elapsed,
		TotalDuration:    e.config.RunDuration(),
		ActiveVUs:        e.pool.Active(),
		TargetVUs:        int(e.targetVUs.Load()),
		CurrentStage:     stageIdx,
		CurrentStageName: stageName,
		TotalStages:      len(e.config.Stages),
	}
}
