package report

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/metrics"
	"github.com/reviewload/reviewload/internal/performance/threshold"
)

func sampleResult() *engine.TestResult {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &engine.TestResult{
		Name:      "Review assigner",
		BaseURL:   "http://localhost:8080",
		StartTime: start,
		EndTime:   start.Add(15 * time.Second),
		Duration:  15 * time.Second,
		EndReason: executor.EndCompleted,
		Stages: []executor.Stage{
			{Duration: 5 * time.Second, Target: 5},
			{Duration: 5 * time.Second, Target: 10},
			{Duration: 5 * time.Second, Target: 0},
		},
		Metrics: []metrics.Summary{
			{Name: metrics.HTTPReqs, Type: metrics.TypeCounter, Count: 1200, Value: 1200, Rate: 80},
			{Name: metrics.HTTPReqDuration, Type: metrics.TypeTrend, Count: 1200, Mean: 12.5, P95: 41.2, Max: 120},
			{Name: metrics.SubmetricName(metrics.StepDuration, "step", "create_pr"), Type: metrics.TypeTrend, Count: 240, Mean: 15, P95: 50},
			{Name: metrics.Checks, Type: metrics.TypeRate, Count: 1440, Passes: 1440},
		},
		Timeline: []metrics.Bucket{
			{Elapsed: time.Second, IntervalRPS: 40, LatencyP95: 30, ActiveVUs: 1, Phase: metrics.PhaseRampUp},
			{Elapsed: 2 * time.Second, IntervalRPS: 80, LatencyP95: 35, ActiveVUs: 2, Phase: metrics.PhaseRampUp},
		},
		Iterations: 240,
		MaxVUs:     10,
		Verdict: threshold.Verdict{
			Passed: true,
			Results: []threshold.Result{
				{Metric: metrics.HTTPReqDuration, Expression: "p(95)<300", Passed: true, Evaluated: true, Observed: 41.2},
			},
		},
	}
}

func TestNew(t *testing.T) {
	r := New(sampleResult(), nil)
	if !r.Passed || r.ExitCode != engine.ExitPassed {
		t.Errorf("Passed = %v, ExitCode = %d", r.Passed, r.ExitCode)
	}
	if r.DurationMs != 15000 {
		t.Errorf("DurationMs = %v, want 15000", r.DurationMs)
	}
	if len(r.Thresholds) != 1 {
		t.Errorf("len(Thresholds) = %d, want 1", len(r.Thresholds))
	}

	failed := New(sampleResult(), engine.ErrTargetUnreachable)
	if failed.Passed || failed.ExitCode != engine.ExitUnreachable || failed.Error == "" {
		t.Errorf("unreachable report = %+v", failed)
	}

	empty := New(nil, errors.New("bad config"))
	if empty.ExitCode != engine.ExitError || empty.Name != "" {
		t.Errorf("nil result report = %+v", empty)
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"report.json", "nested/report.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := Write(path, New(sampleResult(), nil)); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			compressed := bytes.HasPrefix(raw, zstdMagic)
			if compressed != strings.HasSuffix(name, ".zst") {
				t.Errorf("compressed = %v for %s", compressed, name)
			}

			got, err := ReadJSON(path)
			if err != nil {
				t.Fatalf("ReadJSON() error = %v", err)
			}
			if got.Name != "Review assigner" || got.Iterations != 240 || len(got.Timeline) != 2 {
				t.Errorf("ReadJSON() = %+v", got)
			}
			p95, ok := got.Metric(metrics.HTTPReqDuration)
			if !ok || p95.P95 != 41.2 {
				t.Errorf("http_req_duration = %+v, %v", p95, ok)
			}
			if got.Stages[1].Duration != 5*time.Second {
				t.Errorf("Stages[1] = %+v", got.Stages[1])
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode([]byte("{")); err == nil {
		t.Error("Decode(broken) error = nil")
	}
	if _, err := Decode([]byte(`{"formatVersion": 99}`)); err == nil {
		t.Error("Decode(future version) error = nil")
	}
	if _, err := Decode(append(append([]byte{}, zstdMagic...), 0x00, 0x01)); err == nil {
		t.Error("Decode(corrupt zstd) error = nil")
	}
	if _, err := ReadJSON(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ReadJSON(missing) error = nil")
	}
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHTML(&buf, New(sampleResult(), nil)); err != nil {
		t.Fatalf("WriteHTML() error = %v", err)
	}
	html := buf.String()

	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>Review assigner - Load Test Report</title>",
		"✓ PASSED",
		"1,200",
		"create_pr",
		"p(95)&lt;300",
		"rpsChart",
		`"rps":80`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}

	if err := WriteHTML(&buf, nil); err == nil {
		t.Error("WriteHTML(nil) error = nil")
	}
}

func TestWrite_HTMLByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")
	if err := Write(path, New(sampleResult(), nil)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("<!DOCTYPE html>")) {
		t.Errorf("report.html starts with %q", data[:min(20, len(data))])
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{formatNumber(0), "0"},
		{formatNumber(999), "999"},
		{formatNumber(1234567), "1,234,567"},
		{formatNumber(-1500), "-1,500"},
		{formatMs(0), "0"},
		{formatMs(0.5), "500µs"},
		{formatMs(4.2), "4.20ms"},
		{formatMs(250), "250.0ms"},
		{formatMs(1500), "1.50s"},
		{formatDuration(15000), "15.0s"},
		{formatDuration(120000), "2m"},
		{formatDuration(125000), "2m 5s"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
