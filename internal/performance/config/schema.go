// Package config loads and validates reviewload test configurations.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reviewload/reviewload/internal/logger"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: "review-assigner smoke"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	  pacing:
//	    type: constant
//	    duration: 200ms
//	stages:
//	  - duration: 5s
//	    target: 5
//	  - duration: 5s
//	    target: 0
//	thresholds:
//	  http_req_duration: ["p(95)<300"]
//	  http_req_failed: ["rate<0.01"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains HTTP and scheduling settings
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Stages of the ramping-vus profile
	Stages []StageConfig `json:"stages" yaml:"stages"`

	// Thresholds maps a metric (or submetric) name to its expressions
	Thresholds map[string][]string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Scenario parameterizes the review workflow
	Scenario ScenarioConfig `json:"scenario,omitempty" yaml:"scenario,omitempty"`

	// Options for test execution
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`

	// Logging configuration
	Logging logger.Config `json:"logging,omitempty" yaml:"logging,omitempty"`

	// Telemetry exporters
	Telemetry TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// Settings contains HTTP and scheduling settings.
type Settings struct {
	// BaseURL of the target service
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// TickInterval is how often the scheduler adjusts the VU count
	TickInterval Duration `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`

	// GracefulStop is how long in-flight iterations may finish after the end
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// MaxConnectionsPerHost limits connections per host (0 = unlimited)
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent header sent with every request
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers added to every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Pacing between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`
}

// StageConfig defines a single ramping stage.
type StageConfig struct {
	Duration Duration `json:"duration" yaml:"duration"`
	Target   int      `json:"target" yaml:"target"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min and Max bound random pacing
	Min Duration `json:"min,omitempty" yaml:"min,omitempty"`
	Max Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// ScenarioConfig parameterizes the review workflow.
type ScenarioConfig struct {
	// TeamSize is the number of generated members per team (>= 2)
	TeamSize int `json:"teamSize,omitempty" yaml:"teamSize,omitempty"`

	// PullRequestName is the title of every created PR
	PullRequestName string `json:"pullRequestName,omitempty" yaml:"pullRequestName,omitempty"`
}

// Options controls run limits and verdict behavior.
type Options struct {
	// MaxIterations caps iterations across all VUs (0 = unlimited)
	MaxIterations int64 `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// MaxDuration caps the run length (0 = sum of stages)
	MaxDuration Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// RPS caps the global request rate (0 = unlimited)
	RPS float64 `json:"rps,omitempty" yaml:"rps,omitempty"`

	// ConnectionFailureCeiling aborts the run when this many transport
	// errors occur before any response (nil = 100, <= 0 disables)
	ConnectionFailureCeiling *int `json:"connectionFailureCeiling,omitempty" yaml:"connectionFailureCeiling,omitempty"`

	// FailOnNoData fails thresholds whose metric has no samples
	FailOnNoData bool `json:"failOnNoData,omitempty" yaml:"failOnNoData,omitempty"`
}

// TelemetryConfig configures metric exporters and host sampling.
type TelemetryConfig struct {
	OTel        OTelConfig        `json:"otel,omitempty" yaml:"otel,omitempty"`
	Prometheus  PrometheusConfig  `json:"prometheus,omitempty" yaml:"prometheus,omitempty"`
	HostMetrics HostMetricsConfig `json:"hostMetrics,omitempty" yaml:"hostMetrics,omitempty"`
}

// OTelConfig configures the OpenTelemetry metric exporter.
type OTelConfig struct {
	// Exporter is one of "none", "stdout", "otlp-grpc", "otlp-http"
	Exporter string `json:"exporter,omitempty" yaml:"exporter,omitempty"`

	// Endpoint of the OTLP collector (host:port)
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Insecure disables TLS for OTLP
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`

	// ServiceName reported in the resource
	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`

	// Interval between exports
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// PrometheusConfig configures the scrape endpoint.
type PrometheusConfig struct {
	// Listen address, e.g. ":9464" (empty = disabled)
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// Namespace prefixes every metric name
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// HostMetricsConfig configures load-generator CPU and memory sampling.
type HostMetricsConfig struct {
	Enabled  bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
}

// Duration is a time.Duration that unmarshals from duration strings ("30s")
// or integer seconds.
type Duration time.Duration

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}

	dur, err := ParseDurationString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
