// Package executor drives the VU population over time.
package executor

import (
	"fmt"
	"math"
	"time"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// Stage is a linear ramp that reaches Target by the end of Duration,
// starting from the previous stage's target (0 for the first stage).
type Stage struct {
	// Duration of this stage (0 jumps straight to Target)
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Config contains configuration for the ramping scheduler.
type Config struct {
	// Stages of the run, in order
	Stages []Stage `json:"stages" yaml:"stages"`

	// TickInterval between two VU count adjustments (default: 1s)
	TickInterval time.Duration `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`

	// GracefulStop is how long in-flight iterations may run after the end (default: 30s)
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// MaxDuration caps the run length (0 = sum of stage durations)
	MaxDuration time.Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`
}

// Stats contains real-time scheduler statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if len(c.Stages) == 0 {
		return &ValidationError{Field: "stages", Message: "at least one stage is required"}
	}
	for i, s := range c.Stages {
		if s.Duration < 0 {
			return &ValidationError{Field: fmt.Sprintf("stages[%d].duration", i), Message: "duration must be >= 0"}
		}
		if s.Target < 0 {
			return &ValidationError{Field: fmt.Sprintf("stages[%d].target", i), Message: "target must be >= 0"}
		}
	}
	if c.TotalDuration() <= 0 {
		return &ValidationError{Field: "stages", Message: "total stage duration must be > 0"}
	}
	if c.TickInterval < 0 {
		return &ValidationError{Field: "tickInterval", Message: "tickInterval must be >= 0"}
	}
	if c.GracefulStop < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "gracefulStop must be >= 0"}
	}
	if c.MaxDuration < 0 {
		return &ValidationError{Field: "maxDuration", Message: "maxDuration must be >= 0"}
	}
	return nil
}

// TotalDuration returns the sum of the stage durations.
func (c Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range c.Stages {
		total += stage.Duration
	}
	return total
}

// RunDuration returns how long the scheduler runs: the stage total, capped
// by MaxDuration when set.
func (c Config) RunDuration() time.Duration {
	total := c.TotalDuration()
	if c.MaxDuration > 0 && c.MaxDuration < total {
		return c.MaxDuration
	}
	return total
}

// MaxTarget returns the largest stage target.
func (c Config) MaxTarget() int {
	return MaxTarget(c.Stages)
}

// MaxTarget returns the largest target in stages.
func MaxTarget(stages []Stage) int {
	highest := 0
	for _, s := range stages {
		if s.Target > highest {
			highest = s.Target
		}
	}
	return highest
}

// DesiredVUs returns the VU count the stages call for at elapsed.
//
// Within stage i starting at t_i from target p_i it is
// p_i + (target_i - p_i) * (elapsed - t_i) / duration_i, rounded to the
// nearest integer and clamped to [0, MaxTarget]. After the last stage it is
// the last target.
func DesiredVUs(stages []Stage, elapsed time.Duration) int {
	idx, _ := stageAt(stages, elapsed)
	if idx < 0 {
		if len(stages) == 0 {
			return 0
		}
		return stages[len(stages)-1].Target
	}

	var stageStart time.Duration
	prevTarget := 0
	for i := 0; i < idx; i++ {
		stageStart += stages[i].Duration
		prevTarget = stages[i].Target
	}

	stage := stages[idx]
	progress := float64(elapsed-stageStart) / float64(stage.Duration)
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	desired := int(math.Round(float64(prevTarget) + float64(stage.Target-prevTarget)*progress))
	if desired < 0 {
		desired = 0
	}
	if limit := MaxTarget(stages); desired > limit {
		desired = limit
	}
	return desired
}

// stageAt returns the index of the stage running at elapsed and the previous
// stage's target, or -1 once every stage has ended. Zero-duration stages are
// never running; they only move the starting point of the next stage.
func stageAt(stages []Stage, elapsed time.Duration) (int, int) {
	var stageStart time.Duration
	prevTarget := 0
	for i, stage := range stages {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			return i, prevTarget
		}
		prevTarget = stage.Target
		stageStart = stageEnd
	}
	return -1, prevTarget
}

// PhaseAt classifies the run at elapsed by the direction of the running stage.
func PhaseAt(stages []Stage, elapsed time.Duration) metrics.Phase {
	idx, prevTarget := stageAt(stages, elapsed)
	if idx < 0 {
		return metrics.PhaseDone
	}
	switch target := stages[idx].Target; {
	case target > prevTarget:
		return metrics.PhaseRampUp
	case target < prevTarget:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}
