// Package report exports run results as JSON (optionally zstd-compressed)
// or as a standalone HTML page.
package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/reviewload/reviewload/internal/performance/config"
	"github.com/reviewload/reviewload/internal/performance/engine"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/metrics"
	"github.com/reviewload/reviewload/internal/performance/threshold"
)

// FormatVersion is bumped whenever the JSON layout changes incompatibly.
const FormatVersion = 1

// zstdMagic is the frame header every zstd stream starts with.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Report is the exported form of a run.
type Report struct {
	FormatVersion int    `json:"formatVersion"`
	Generator     string `json:"generator"`

	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	BaseURL     string             `json:"baseUrl"`
	StartTime   time.Time          `json:"startTime"`
	EndTime     time.Time          `json:"endTime"`
	DurationMs  float64            `json:"durationMs"`
	EndReason   executor.EndReason `json:"endReason"`
	Iterations  int64              `json:"iterations"`
	MaxVUs      int                `json:"maxVUs"`

	SteadyStateRPS float64 `json:"steadyStateRps,omitempty"`

	Stages   []executor.Stage      `json:"stages"`
	Metrics  []metrics.Summary     `json:"metrics"`
	Timeline []metrics.Bucket      `json:"timeline,omitempty"`
	Phases   []metrics.PhaseChange `json:"phases,omitempty"`

	Thresholds []threshold.Result `json:"thresholds,omitempty"`
	Passed     bool               `json:"passed"`
	ExitCode   int                `json:"exitCode"`
	Error      string             `json:"error,omitempty"`
}

// New builds a report from a run outcome. result may be nil when the run
// failed before starting.
func New(result *engine.TestResult, runErr error) *Report {
	r := &Report{
		FormatVersion: FormatVersion,
		Generator:     "reviewload/" + config.Version,
		ExitCode:      engine.ExitCode(result, runErr),
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if result == nil {
		return r
	}

	r.Name = result.Name
	r.Description = result.Description
	r.BaseURL = result.BaseURL
	r.StartTime = result.StartTime
	r.EndTime = result.EndTime
	r.DurationMs = float64(result.Duration) / float64(time.Millisecond)
	r.EndReason = result.EndReason
	r.Iterations = result.Iterations
	r.MaxVUs = result.MaxVUs
	r.SteadyStateRPS = result.SteadyStateRPS
	r.Stages = result.Stages
	r.Metrics = result.Metrics
	r.Timeline = result.Timeline
	r.Phases = result.Phases
	r.Thresholds = result.Verdict.Results
	r.Passed = result.Verdict.Passed && runErr == nil
	return r
}

// Metric returns the named summary.
func (r *Report) Metric(name string) (metrics.Summary, bool) {
	for _, s := range r.Metrics {
		if s.Name == name {
			return s, true
		}
	}
	return metrics.Summary{}, false
}

// Write saves r to path. The format follows the extension: ".html" renders
// the HTML page, ".zst" writes zstd-compressed JSON, anything else plain JSON.
func Write(path string, r *Report) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close report file: %w", cerr)
		}
	}()

	w := bufio.NewWriter(f)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		err = WriteHTML(w, r)
	case ".zst":
		err = WriteCompressedJSON(w, r)
	default:
		err = WriteJSON(w, r)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteCompressedJSON writes r as zstd-compressed JSON.
func WriteCompressedJSON(w io.Writer, r *Report) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if err := WriteJSON(enc, r); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadJSON loads a report written by Write in either JSON form. Compression
// is detected from the content, not the file name.
func ReadJSON(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return Decode(data)
}

// Decode parses a plain or zstd-compressed JSON report.
func Decode(data []byte) (*Report, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()

		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress report: %w", err)
		}
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if r.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("report format version %d is newer than supported version %d", r.FormatVersion, FormatVersion)
	}
	return &r, nil
}
