package engine

import (
	"errors"
	"time"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// Process exit codes.
const (
	ExitPassed          = 0
	ExitError           = 1
	ExitThresholdFailed = 99
	ExitUnreachable     = 100
)

// ExitCode maps a Run outcome to a process exit code.
func ExitCode(result *TestResult, err error) int {
	switch {
	case errors.Is(err, ErrTargetUnreachable):
		return ExitUnreachable
	case err != nil, result == nil:
		return ExitError
	case !result.Verdict.Passed:
		return ExitThresholdFailed
	default:
		return ExitPassed
	}
}

// Progress is a point-in-time view of a running test.
type Progress struct {
	Elapsed   time.Duration
	Total     time.Duration
	Fraction  float64
	Phase     metrics.Phase
	Stage     int
	StageName string
	Stages    int

	ActiveVUs int
	TargetVUs int

	Requests   int64
	Failures   int64
	Iterations int64

	// Latest is the most recent timeline bucket
	Latest metrics.Bucket
}

// Progress returns the state of the current run. The second return value is
// false when no run has started yet.
func (e *Engine) Progress() (Progress, bool) {
	e.mu.RLock()
	collector, scheduler := e.collector, e.scheduler
	e.mu.RUnlock()

	if collector == nil || scheduler == nil {
		return Progress{}, false
	}

	stats := scheduler.GetStats()
	p := Progress{
		Elapsed:   stats.Elapsed,
		Total:     stats.TotalDuration,
		Fraction:  scheduler.GetProgress(),
		Phase:     collector.Phase(),
		Stage:     stats.CurrentStage,
		StageName: stats.CurrentStageName,
		Stages:    stats.TotalStages,
		ActiveVUs: stats.ActiveVUs,
		TargetVUs: stats.TargetVUs,
	}
	if s, ok := collector.Summarize(metrics.HTTPReqs); ok {
		p.Requests = int64(s.Value)
	}
	if s, ok := collector.Summarize(metrics.HTTPReqFailed); ok {
		p.Failures = s.Fails
	}
	if s, ok := collector.Summarize(metrics.Iterations); ok {
		p.Iterations = int64(s.Value)
	}
	if b, ok := collector.Timeline().Latest(); ok {
		p.Latest = b
	}
	return p, true
}
