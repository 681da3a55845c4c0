package metrics

import (
	"github.com/HdrHistogram/hdrhistogram-go"
)

// Summary is a point-in-time view of one series.
//
// Field meaning depends on Type:
//   - trend: Min/Max/Mean/P50..P99 are in the recorded unit (milliseconds for durations)
//   - rate: Rate is the fail fraction Fails/Count, Passes/Fails count outcomes
//   - counter: Value is the running total, Rate is the total per second of run time
//   - gauge: Value is the last observation
type Summary struct {
	Name   string  `json:"name"`
	Type   Type    `json:"type"`
	Count  int64   `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50,omitempty"`
	P90    float64 `json:"p90,omitempty"`
	P95    float64 `json:"p95,omitempty"`
	P99    float64 `json:"p99,omitempty"`
	Rate   float64 `json:"rate"`
	Passes int64   `json:"passes,omitempty"`
	Fails  int64   `json:"fails,omitempty"`
	Value  float64 `json:"value,omitempty"`

	// private copy of the trend histogram, taken under the series lock
	hist *hdrhistogram.Histogram
}

// Percentile returns the p-th percentile (0-100) of a trend summary.
// It returns 0 for other metric types and for empty series.
func (s Summary) Percentile(p float64) float64 {
	if s.hist == nil || s.Count == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	// bucket upper bounds can overshoot the exact extremes
	v := float64(s.hist.ValueAtQuantile(p)) / 1000
	if v > s.Max {
		v = s.Max
	}
	if v < s.Min {
		v = s.Min
	}
	return v
}

// IsEmpty reports whether the series has no samples.
func (s Summary) IsEmpty() bool {
	return s.Count == 0
}
