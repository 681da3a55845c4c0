package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"github.com/reviewload/reviewload/internal/performance"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// k6 review-assigner profile: 5s→5, 5s→10, 5s→0
var reviewStages = []executor.Stage{
	{Duration: 5 * time.Second, Target: 5},
	{Duration: 5 * time.Second, Target: 10},
	{Duration: 5 * time.Second, Target: 0},
}

// fakeScaler records requested targets without running anything.
type fakeScaler struct {
	mu      sync.Mutex
	active  int
	targets []int
}

func (f *fakeScaler) ScaleTo(target int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	f.active = target
	return target
}

func (f *fakeScaler) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func idleIteration() performance.Iteration {
	return performance.IterationFunc(func(ctx context.Context, _ *performance.VirtualUser) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	})
}

func TestDesiredVUs(t *testing.T) {
	tests := []struct {
		name    string
		stages  []executor.Stage
		elapsed time.Duration
		want    int
	}{
		{"start", reviewStages, 0, 0},
		{"mid first ramp", reviewStages, 2500 * time.Millisecond, 3}, // 2.5 rounds up
		{"end of first stage", reviewStages, 5 * time.Second, 5},
		{"mid second ramp", reviewStages, 7500 * time.Millisecond, 8}, // 7.5 rounds up
		{"end of second stage", reviewStages, 10 * time.Second, 10},
		{"mid ramp down", reviewStages, 12500 * time.Millisecond, 5},
		{"end", reviewStages, 15 * time.Second, 0},
		{"after end", reviewStages, time.Minute, 0},
		{"negative elapsed", reviewStages, -time.Second, 0},
		{
			name:    "zero duration jumps",
			stages:  []executor.Stage{{Duration: 0, Target: 7}, {Duration: 10 * time.Second, Target: 7}},
			elapsed: 0,
			want:    7,
		},
		{
			name:    "zero duration in the middle",
			stages:  []executor.Stage{{Duration: time.Second, Target: 2}, {Duration: 0, Target: 8}, {Duration: time.Second, Target: 8}},
			elapsed: time.Second,
			want:    8,
		},
		{
			name:    "hold after last stage",
			stages:  []executor.Stage{{Duration: time.Second, Target: 4}},
			elapsed: time.Hour,
			want:    4,
		},
		{"no stages", nil, time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := executor.DesiredVUs(tt.stages, tt.elapsed); got != tt.want {
				t.Errorf("DesiredVUs(%v) = %d, want %d", tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestPhaseAt(t *testing.T) {
	stages := []executor.Stage{
		{Duration: 5 * time.Second, Target: 5},
		{Duration: 5 * time.Second, Target: 5},
		{Duration: 5 * time.Second, Target: 0},
	}
	tests := []struct {
		elapsed time.Duration
		want    metrics.Phase
	}{
		{time.Second, metrics.PhaseRampUp},
		{6 * time.Second, metrics.PhaseSteady},
		{11 * time.Second, metrics.PhaseRampDown},
		{15 * time.Second, metrics.PhaseDone},
	}
	for _, tt := range tests {
		if got := executor.PhaseAt(stages, tt.elapsed); got != tt.want {
			t.Errorf("PhaseAt(%v) = %v, want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    executor.Config
		wantField string
	}{
		{"valid", executor.Config{Stages: reviewStages}, ""},
		{"no stages", executor.Config{}, "stages"},
		{"negative target", executor.Config{Stages: []executor.Stage{{Duration: time.Second, Target: -1}}}, "stages[0].target"},
		{"negative duration", executor.Config{Stages: []executor.Stage{{Duration: -time.Second, Target: 1}}}, "stages[0].duration"},
		{"zero total", executor.Config{Stages: []executor.Stage{{Duration: 0, Target: 3}}}, "stages"},
		{"negative tick", executor.Config{Stages: reviewStages, TickInterval: -time.Second}, "tickInterval"},
		{"negative graceful stop", executor.Config{Stages: reviewStages, GracefulStop: -time.Second}, "gracefulStop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			var verr *executor.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := executor.Config{Stages: reviewStages}
	if got := cfg.TotalDuration(); got != 15*time.Second {
		t.Errorf("TotalDuration() = %v, want 15s", got)
	}
	if got := cfg.MaxTarget(); got != 10 {
		t.Errorf("MaxTarget() = %d, want 10", got)
	}

	cfg.MaxDuration = 7 * time.Second
	if got := cfg.RunDuration(); got != 7*time.Second {
		t.Errorf("RunDuration() = %v, want 7s", got)
	}
	cfg.MaxDuration = time.Hour
	if got := cfg.RunDuration(); got != 15*time.Second {
		t.Errorf("RunDuration() = %v, want 15s", got)
	}
}

func TestRampingVUs_ConfigValueMethods(t *testing.T) {
	e, err := executor.NewRampingVUs(executor.Config{Stages: reviewStages}, &fakeScaler{})
	if err != nil {
		t.Fatalf("NewRampingVUs() error = %v", err)
	}
	// methods are callable on the returned copy
	if got := e.Config().MaxTarget(); got != 10 {
		t.Errorf("Config().MaxTarget() = %d, want 10", got)
	}
	if err := e.Config().Validate(); err != nil {
		t.Errorf("Config().Validate() error = %v", err)
	}
	if got := e.Config().RunDuration(); got != 15*time.Second {
		t.Errorf("Config().RunDuration() = %v, want 15s", got)
	}
}

func TestRampingVUs_TickFollowsStages(t *testing.T) {
	scaler := &fakeScaler{}
	collector := metrics.NewCollector()
	e, err := executor.NewRampingVUs(executor.Config{Stages: reviewStages}, scaler, executor.WithCollector(collector))
	if err != nil {
		t.Fatalf("NewRampingVUs() error = %v", err)
	}

	for sec := 0; sec <= 15; sec++ {
		elapsed := time.Duration(sec) * time.Second
		got := e.Tick(elapsed)
		if want := executor.DesiredVUs(reviewStages, elapsed); got != want {
			t.Errorf("Tick(%v) = %d, want %d", elapsed, got, want)
		}
	}

	history := collector.PhaseHistory()
	if len(history) != 2 {
		t.Fatalf("phase changes = %d, want 2 (ramp-up, ramp-down)", len(history))
	}
	if history[0].Phase != metrics.PhaseRampUp || history[1].Phase != metrics.PhaseRampDown {
		t.Errorf("phases = %v, %v", history[0].Phase, history[1].Phase)
	}

	stats := e.GetStats()
	if stats.TotalStages != 3 || stats.CurrentStage != 3 {
		t.Errorf("stats = {stage %d of %d}, want {3 of 3}", stats.CurrentStage, stats.TotalStages)
	}
}

func TestRampingVUs_Defaults(t *testing.T) {
	e, err := executor.NewRampingVUs(executor.Config{Stages: reviewStages}, &fakeScaler{})
	if err != nil {
		t.Fatalf("NewRampingVUs() error = %v", err)
	}
	cfg := e.Config()
	if cfg.TickInterval != time.Second {
		t.Errorf("TickInterval = %v, want 1s", cfg.TickInterval)
	}
	if cfg.GracefulStop != 30*time.Second {
		t.Errorf("GracefulStop = %v, want 30s", cfg.GracefulStop)
	}

	if _, err := executor.NewRampingVUs(executor.Config{}, &fakeScaler{}); err == nil {
		t.Error("NewRampingVUs() with no stages should fail")
	}
	if _, err := executor.NewRampingVUs(executor.Config{Stages: reviewStages}, nil); err == nil {
		t.Error("NewRampingVUs() with nil scaler should fail")
	}
}

func TestRampingVUs_RunCompletesAndDrains(t *testing.T) {
	scaler := &fakeScaler{}
	e, _ := executor.NewRampingVUs(executor.Config{
		Stages: []executor.Stage{
			{Duration: 100 * time.Millisecond, Target: 4},
			{Duration: 100 * time.Millisecond, Target: 0},
		},
		TickInterval: 10 * time.Millisecond,
	}, scaler)

	reason := e.Run(context.Background())
	if reason != executor.EndCompleted {
		t.Errorf("Run() = %v, want %v", reason, executor.EndCompleted)
	}
	if scaler.Active() != 0 {
		t.Errorf("active after final tick = %d, want 0", scaler.Active())
	}
	if e.GetProgress() != 1.0 {
		t.Errorf("GetProgress() = %v, want 1", e.GetProgress())
	}
}

func TestRampingVUs_RunMaxDuration(t *testing.T) {
	e, _ := executor.NewRampingVUs(executor.Config{
		Stages:       []executor.Stage{{Duration: time.Hour, Target: 2}},
		TickInterval: 10 * time.Millisecond,
		MaxDuration:  50 * time.Millisecond,
	}, &fakeScaler{})

	start := time.Now()
	if reason := e.Run(context.Background()); reason != executor.EndMaxDuration {
		t.Errorf("Run() = %v, want %v", reason, executor.EndMaxDuration)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Run() overran maxDuration")
	}
}

func TestRampingVUs_RunCancelled(t *testing.T) {
	e, _ := executor.NewRampingVUs(executor.Config{
		Stages:       []executor.Stage{{Duration: time.Hour, Target: 2}},
		TickInterval: 10 * time.Millisecond,
	}, &fakeScaler{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if reason := e.Run(ctx); reason != executor.EndCancelled {
		t.Errorf("Run() = %v, want %v", reason, executor.EndCancelled)
	}
}

func TestRampingVUs_RunEndsWhenFinished(t *testing.T) {
	var ticks int
	e, _ := executor.NewRampingVUs(executor.Config{
		Stages:       []executor.Stage{{Duration: time.Hour, Target: 2}},
		TickInterval: 5 * time.Millisecond,
	}, &fakeScaler{}, executor.WithFinished(func() bool {
		ticks++
		return ticks >= 3
	}))

	if reason := e.Run(context.Background()); reason != executor.EndIterations {
		t.Errorf("Run() = %v, want %v", reason, executor.EndIterations)
	}
}

func TestDesiredVUsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "stages")
		stages := make([]executor.Stage, n)
		for i := range stages {
			stages[i] = executor.Stage{
				Duration: time.Duration(rapid.IntRange(0, 20).Draw(t, "duration")) * 100 * time.Millisecond,
				Target:   rapid.IntRange(0, 50).Draw(t, "target"),
			}
		}
		limit := executor.MaxTarget(stages)

		// bounds at arbitrary times
		elapsed := time.Duration(rapid.Int64Range(-int64(time.Second), int64(20*time.Second)).Draw(t, "elapsed"))
		if got := executor.DesiredVUs(stages, elapsed); got < 0 || got > limit {
			t.Fatalf("DesiredVUs(%v) = %d, outside [0, %d]", elapsed, got, limit)
		}

		// at each stage boundary the count equals the target of the last
		// stage ending there
		var end time.Duration
		for i := range stages {
			end += stages[i].Duration
			want := stages[i].Target
			var after time.Duration
			for j := i + 1; j < n; j++ {
				after += stages[j].Duration
				if after > 0 {
					break
				}
				want = stages[j].Target
			}
			if got := executor.DesiredVUs(stages, end); got != want {
				t.Fatalf("DesiredVUs at end of stage %d (%v) = %d, want %d", i, end, got, want)
			}
		}

		if stages[0].Duration > 0 {
			if got := executor.DesiredVUs(stages, 0); got != 0 {
				t.Fatalf("DesiredVUs(0) = %d, want 0", got)
			}
		}
	})
}

func TestActiveVUBoundsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("active VUs stay within [0, max target]", prop.ForAll(
		func(targets []int, ticks []int64) bool {
			stages := make([]executor.Stage, 0, len(targets))
			for _, target := range targets {
				stages = append(stages, executor.Stage{Duration: time.Second, Target: target})
			}
			if len(stages) == 0 {
				return true
			}
			limit := executor.MaxTarget(stages)

			pool := performance.NewVUPool(performance.PoolConfig{Iteration: idleIteration()})
			defer pool.HardStop()

			e, err := executor.NewRampingVUs(executor.Config{Stages: stages}, pool)
			if err != nil {
				return false
			}

			for _, ms := range ticks {
				active := e.Tick(time.Duration(ms) * time.Millisecond)
				if active < 0 || active > limit || pool.Active() < 0 || pool.Active() > limit {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.IntRange(0, 12)),
		gen.SliceOf(gen.Int64Range(0, 5000)),
	))

	properties.TestingRun(t)
}
