package output

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/metrics"
	"github.com/reviewload/reviewload/internal/performance/threshold"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatDuration(tt.duration); got != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, got, tt.expected)
			}
		})
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		ms       float64
		expected string
	}{
		{0, "0s"},
		{0.25, "250µs"},
		{12.346, "12.35ms"},
		{1500, "1.50s"},
		{90000, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatMs(tt.ms); got != tt.expected {
				t.Errorf("formatMs(%v) = %q, want %q", tt.ms, got, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatNumber(tt.number); got != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, got, tt.expected)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    float64
		expected string
	}{
		{512, "512 B"},
		{1500, "1.5 kB"},
		{2500000, "2.5 MB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.expected {
			t.Errorf("formatBytes(%v) = %q, want %q", tt.bytes, got, tt.expected)
		}
	}
}

func TestRenderProgressBar(t *testing.T) {
	if got := renderProgressBar(0.5, 4); got != "[██░░]" {
		t.Errorf("renderProgressBar(0.5) = %q", got)
	}
	if got := renderProgressBar(2, 2); got != "[██]" {
		t.Errorf("renderProgressBar(2) = %q", got)
	}
	if got := renderProgressBar(-1, 2); got != "[░░]" {
		t.Errorf("renderProgressBar(-1) = %q", got)
	}
}

func TestDotted(t *testing.T) {
	if got := dotted("checks", 10); got != "checks...." {
		t.Errorf("dotted() = %q", got)
	}
	if got := dotted("a_very_long_metric_name", 5); !strings.HasSuffix(got, "...") {
		t.Errorf("dotted(long) = %q, want at least three dots", got)
	}
}

func newTestConsole(buf *bytes.Buffer, tty bool) *Console {
	return NewConsole(ConsoleConfig{
		Writer:         buf,
		NoColor:        true,
		ForceTTY:       tty,
		UpdateInterval: 5 * time.Millisecond,
		LineInterval:   5 * time.Millisecond,
	})
}

func TestConsoleCreation(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf})

	if c.IsTTY() {
		t.Error("expected non-TTY when writing to buffer")
	}
	if !c.noColor {
		t.Error("expected colors disabled for a non-TTY writer")
	}
	if c.updateInterval != time.Second || c.lineInterval != 10*time.Second {
		t.Errorf("intervals = %v, %v", c.updateInterval, c.lineInterval)
	}
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)

	c.PrintHeader("Review assigner", "http://localhost:8080", []executor.Stage{
		{Duration: 5 * time.Second, Target: 5},
		{Duration: 5 * time.Second, Target: 10},
		{Duration: 5 * time.Second, Target: 0},
	})

	out := buf.String()
	for _, want := range []string{"Review assigner - Running", "http://localhost:8080", "5.0s→5, 5.0s→10, 5.0s→0", "max 10 VUs", "15.0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("header missing %q:\n%s", want, out)
		}
	}
}

func sampleProgress() engine.Progress {
	return engine.Progress{
		Elapsed:    3 * time.Second,
		Total:      15 * time.Second,
		Fraction:   0.2,
		Phase:      metrics.PhaseRampUp,
		Stage:      0,
		Stages:     3,
		ActiveVUs:  3,
		TargetVUs:  3,
		Requests:   1500,
		Failures:   3,
		Iterations: 250,
		Latest:     metrics.Bucket{IntervalRPS: 120.5, LatencyP95: 42},
	}
}

func TestUpdate_RewritesInPlace(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, true)

	c.Update(sampleProgress())
	first := buf.String()
	if strings.Contains(first, "\033[") {
		t.Error("first update should not move the cursor")
	}
	for _, want := range []string{"20%", "ramp-up (1/3)", "VUs:      3 / 3", "1,500", "120.5", "42.00ms", "0.2%"} {
		if !strings.Contains(first, want) {
			t.Errorf("live display missing %q:\n%s", want, first)
		}
	}

	c.Update(sampleProgress())
	if !strings.Contains(buf.String(), "\033[5A") {
		t.Error("second update should move the cursor up over the previous display")
	}
}

func TestPrintLine(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)

	c.PrintLine(sampleProgress())

	line := buf.String()
	if strings.Count(line, "\n") != 1 {
		t.Errorf("PrintLine wrote %d lines", strings.Count(line, "\n"))
	}
	for _, want := range []string{"[3.0s]", "ramp-up", "VUs: 3/3", "Reqs: 1500", "RPS: 120.5", "Errors: 3"} {
		if !strings.Contains(line, want) {
			t.Errorf("status line missing %q: %s", want, line)
		}
	}
}

type fakeSource struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSource) Progress() (engine.Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return sampleProgress(), f.calls > 1
}

func TestWatch(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)
	src := &fakeSource{}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.Watch(ctx, src)

	if !strings.Contains(buf.String(), "Reqs: 1500") {
		t.Errorf("Watch printed no status line: %q", buf.String())
	}
}

func TestQuietMode(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(ConsoleConfig{Writer: &buf, Quiet: true, NoColor: true})

	c.PrintHeader("x", "http://x", nil)
	c.Update(sampleProgress())
	c.PrintLine(sampleProgress())
	if buf.Len() != 0 {
		t.Errorf("quiet console wrote %q", buf.String())
	}

	c.PrintSummary(sampleResult(true), nil)
	if got := strings.TrimSpace(buf.String()); got != "✓ PASSED" {
		t.Errorf("quiet summary = %q", got)
	}
}

func sampleResult(passed bool) *engine.TestResult {
	result := &engine.TestResult{
		Name:       "Review assigner",
		Duration:   15 * time.Second,
		EndReason:  executor.EndCompleted,
		Iterations: 240,
		MaxVUs:     10,

		SteadyStateRPS: 79.5,
		Metrics: []metrics.Summary{
			{Name: metrics.Checks, Type: metrics.TypeRate, Count: 1440, Passes: 1438, Fails: 2, Rate: 2.0 / 1440},
			{Name: metrics.SubmetricName(metrics.Checks, "check", "pr created"), Type: metrics.TypeRate, Count: 240, Passes: 238, Fails: 2, Rate: 2.0 / 240},
			{Name: metrics.SubmetricName(metrics.Checks, "check", "team created"), Type: metrics.TypeRate, Count: 240, Passes: 240},
			{Name: metrics.DataReceived, Type: metrics.TypeCounter, Value: 1500, Rate: 100},
			{Name: metrics.HTTPReqDuration, Type: metrics.TypeTrend, Count: 1200, Mean: 12.5, Min: 1, P50: 10, P90: 30, P95: 41.2, P99: 80, Max: 120},
			{Name: metrics.SubmetricName(metrics.HTTPReqDuration, "step", "create_pr"), Type: metrics.TypeTrend, Count: 240, Mean: 15, P95: 50},
			{Name: metrics.SubmetricName(metrics.HTTPReqDuration, "status", "201"), Type: metrics.TypeTrend, Count: 480, Mean: 14},
			{Name: metrics.HTTPReqs, Type: metrics.TypeCounter, Count: 1200, Value: 1200, Rate: 80},
			{Name: metrics.SubmetricName(metrics.StepDuration, "step", "create_pr"), Type: metrics.TypeTrend, Count: 240, Mean: 15, P95: 50},
			{Name: metrics.VUsMax, Type: metrics.TypeGauge, Value: 10, Min: 1, Max: 10},
		},
	}
	result.Verdict = threshold.Verdict{
		Passed: passed,
		Results: []threshold.Result{
			{Metric: metrics.SubmetricName(metrics.HTTPReqDuration, "step", "create_pr"), Expression: "p(95)<300", Passed: true, Evaluated: true, Observed: 50},
			{Metric: metrics.Checks, Expression: "rate<0.001", Passed: passed, Evaluated: true, Observed: 2.0 / 1440, Message: "rate is 0.001389, threshold: < 0.001"},
		},
	}
	return result
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)

	c.PrintSummary(sampleResult(false), nil)
	out := buf.String()

	for _, want := range []string{
		"Review assigner - completed",
		"iterations: 240",
		"✓ team created",
		"✗ pr created",
		"http_req_duration",
		"avg=12.50ms min=1.00ms med=10.00ms max=120.00ms p(90)=30.00ms p(95)=41.20ms p(99)=80.00ms",
		"{ step:create_pr }",
		"1,200 80.00/s",
		"1.5 kB 100 B/s",
		"10 min=1 max=10",
		"✗ checks rate<0.001 (observed: 0.001389)",
		"↳ 1% failed ✓ 238 / ✗ 2",
		"steady-state RPS: 79.50",
		"✓ http_req_duration{step:create_pr} p(95)<300",
		"FAILED: thresholds crossed (exit 99)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	if strings.Contains(out, "status:201") {
		t.Error("submetrics without a threshold should not be listed")
	}

	// parent rows come before their submetrics
	parent := strings.Index(out, "http_req_duration...")
	sub := strings.Index(out, "{ step:create_pr }")
	if parent < 0 || sub < parent {
		t.Errorf("submetric row at %d, parent at %d", sub, parent)
	}
}

func TestPrintSummary_Verdicts(t *testing.T) {
	tests := []struct {
		name   string
		result *engine.TestResult
		err    error
		want   string
	}{
		{"passed", sampleResult(true), nil, "✓ PASSED"},
		{"unreachable", sampleResult(true), engine.ErrTargetUnreachable, "target unreachable (exit 100)"},
		{"error without result", nil, errors.New("invalid configuration"), "invalid configuration (exit 1)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newTestConsole(&buf, false).PrintSummary(tt.result, tt.err)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("summary missing %q:\n%s", tt.want, buf.String())
			}
		})
	}
}

func TestColorSchemes(t *testing.T) {
	s := NoColorScheme()
	if got := s.Error.Sprint("x"); got != "x" {
		t.Errorf("NoColorScheme().Error.Sprint = %q", got)
	}

	forced := DefaultColorScheme()
	forced.forceColor()
	if got := forced.Error.Sprint("x"); !strings.Contains(got, "\033[") {
		t.Errorf("forced color output %q has no escape codes", got)
	}

	if s.rateColor(0) != s.Success || s.rateColor(0.02) != s.Warn || s.rateColor(0.5) != s.Error {
		t.Error("rateColor picked the wrong color")
	}

	if SuccessIcon(true) != "✓" || ErrorIcon(true) != "✗" {
		t.Error("plain icons")
	}
}
