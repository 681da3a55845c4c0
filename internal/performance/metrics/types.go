// Package metrics aggregates load-test samples into named series.
package metrics

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Type identifies how a metric aggregates its samples.
type Type string

const (
	// TypeCounter sums sample values.
	TypeCounter Type = "counter"
	// TypeGauge keeps the last value along with min and max.
	TypeGauge Type = "gauge"
	// TypeRate counts pass and fail outcomes. Its rate is the fail fraction.
	TypeRate Type = "rate"
	// TypeTrend keeps a latency distribution.
	TypeTrend Type = "trend"
)

// Builtin metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	StepDuration      = "step_duration"
	Checks            = "checks"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	VUs               = "vus"
	VUsMax            = "vus_max"
	DataSent          = "data_sent"
	DataReceived      = "data_received"
	TransportErrors   = "transport_errors"
	GeneratorCPU      = "generator_cpu_percent"
	GeneratorMemory   = "generator_mem_percent"
)

var builtinTypes = map[string]Type{
	HTTPReqs:          TypeCounter,
	HTTPReqDuration:   TypeTrend,
	HTTPReqFailed:     TypeRate,
	StepDuration:      TypeTrend,
	Checks:            TypeRate,
	Iterations:        TypeCounter,
	IterationDuration: TypeTrend,
	VUs:               TypeGauge,
	VUsMax:            TypeGauge,
	DataSent:          TypeCounter,
	DataReceived:      TypeCounter,
	TransportErrors:   TypeCounter,
	GeneratorCPU:      TypeGauge,
	GeneratorMemory:   TypeGauge,
}

// passOnTrue lists the rate metrics whose true samples are passes. For every
// other rate metric, http_req_failed included, a true sample is a failure.
var passOnTrue = map[string]bool{
	Checks: true,
}

// FailsOnTrue reports whether a true sample of the rate metric name is a fail
// outcome. Submetrics follow their parent.
func FailsOnTrue(name string) bool {
	base, _ := ParseName(name)
	return !passOnTrue[base]
}

var (
	// ErrUnknownMetric is returned when a sample names a metric with no known type.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrTypeMismatch is returned when a metric is used with two different types.
	ErrTypeMismatch = errors.New("metric type mismatch")
)

// BuiltinType returns the type of a builtin metric. Submetric names such as
// "http_req_duration{step:create_pr}" resolve to their parent's type.
func BuiltinType(name string) (Type, bool) {
	base, _ := ParseName(name)
	t, ok := builtinTypes[base]
	return t, ok
}

// Sample is a single observation.
type Sample struct {
	Value   float64
	Time    time.Time
	Ordinal uint64
	Tags    map[string]string
}

// Observer receives every sample after it has been aggregated.
// Implementations must be safe for concurrent use.
type Observer interface {
	Observe(name string, t Type, s Sample)
}

// SubmetricName returns the series name for a metric filtered by one tag.
func SubmetricName(name, key, value string) string {
	return name + "{" + key + ":" + value + "}"
}

// ParseName splits "name{k:v,k2:v2}" into the parent name and its tag filter.
func ParseName(full string) (string, map[string]string) {
	open := strings.IndexByte(full, '{')
	if open < 0 || !strings.HasSuffix(full, "}") {
		return full, nil
	}

	tags := make(map[string]string)
	for _, pair := range strings.Split(full[open+1:len(full)-1], ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return full[:open], tags
}

// sortedKeys returns map keys in a stable order so submetric fan-out is deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Phase represents the current stage of the run.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseRampUp   Phase = "ramp-up"
	PhaseSteady   Phase = "steady"
	PhaseRampDown Phase = "ramp-down"
	PhaseDone     Phase = "done"
)
