package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/reviewload/reviewload/internal/performance/metrics"
	"github.com/reviewload/reviewload/internal/performance/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	validateSettings(&c.Settings, errs)
	validateStages(c.Stages, errs)
	validateThresholds(c.Thresholds, errs)
	validateScenario(&c.Scenario, errs)
	validateOptions(&c.Options, errs)

	if err := c.Logging.Validate(); err != nil {
		errs.Add("logging", err.Error())
	}
	validateTelemetry(&c.Telemetry, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateSettings validates global settings.
func validateSettings(s *Settings, errs *ValidationErrors) {
	if s.BaseURL == "" {
		errs.Add("settings.baseUrl", "baseUrl is required")
	} else if u, err := url.Parse(s.BaseURL); err != nil {
		errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.Add("settings.baseUrl", "must be an absolute http or https URL")
	}

	if s.Timeout < 0 {
		errs.Add("settings.timeout", "cannot be negative")
	}
	if s.TickInterval < 0 {
		errs.Add("settings.tickInterval", "cannot be negative")
	}
	if s.GracefulStop < 0 {
		errs.Add("settings.gracefulStop", "cannot be negative")
	}
	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}

	if s.Pacing != nil {
		validatePacing("settings.pacing", s.Pacing, errs)
	}
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	switch pacing.Type {
	case "none":
	case "constant":
		if pacing.Duration <= 0 {
			errs.Add(prefix+".duration", "duration must be > 0 for constant pacing")
		}
	case "random":
		if pacing.Min < 0 {
			errs.Add(prefix+".min", "cannot be negative")
		}
		if pacing.Max <= 0 {
			errs.Add(prefix+".max", "max must be > 0 for random pacing")
		}
		if pacing.Min > pacing.Max {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}
}

// validateStages validates the ramping stages.
func validateStages(stages []StageConfig, errs *ValidationErrors) {
	if len(stages) == 0 {
		errs.Add("stages", "at least one stage is required")
		return
	}

	var total Duration
	for i, stage := range stages {
		prefix := fmt.Sprintf("stages[%d]", i)
		if stage.Duration < 0 {
			errs.Add(prefix+".duration", "duration cannot be negative")
		}
		if stage.Target < 0 {
			errs.Add(prefix+".target", "target cannot be negative")
		}
		total += stage.Duration
	}
	if total <= 0 {
		errs.Add("stages", "total stage duration must be > 0")
	}
}

// validateThresholds parses every expression and, for builtin metrics,
// checks the aggregator against the metric type.
func validateThresholds(thresholds map[string][]string, errs *ValidationErrors) {
	for _, spec := range threshold.SpecsFromMap(thresholds) {
		if spec.Metric == "" {
			errs.Add("thresholds", "metric name cannot be empty")
			continue
		}
		if _, err := threshold.Compile(spec); err != nil {
			errs.Add(thresholdField(thresholds, spec), err.Error())
		}
	}
}

func thresholdField(thresholds map[string][]string, spec threshold.Spec) string {
	for i, expr := range thresholds[spec.Metric] {
		if expr == spec.Expression {
			return fmt.Sprintf("thresholds.%s[%d]", spec.Metric, i)
		}
	}
	return "thresholds." + spec.Metric
}

func validateScenario(sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.TeamSize != 0 && sc.TeamSize < 2 {
		errs.Add("scenario.teamSize", "teamSize must be at least 2")
	}
}

func validateOptions(o *Options, errs *ValidationErrors) {
	if o.MaxIterations < 0 {
		errs.Add("options.maxIterations", "cannot be negative")
	}
	if o.MaxDuration < 0 {
		errs.Add("options.maxDuration", "cannot be negative")
	}
	if o.RPS < 0 {
		errs.Add("options.rps", "cannot be negative")
	}
}

func validateTelemetry(t *TelemetryConfig, errs *ValidationErrors) {
	switch t.OTel.Exporter {
	case "", "none", "stdout":
	case "otlp-grpc", "otlp-http":
		if t.OTel.Endpoint == "" {
			errs.Add("telemetry.otel.endpoint", "endpoint is required for "+t.OTel.Exporter)
		}
	default:
		errs.Add("telemetry.otel.exporter", fmt.Sprintf("unknown exporter: %s", t.OTel.Exporter))
	}
	if t.OTel.Interval < 0 {
		errs.Add("telemetry.otel.interval", "cannot be negative")
	}
	if t.HostMetrics.Interval < 0 {
		errs.Add("telemetry.hostMetrics.interval", "cannot be negative")
	}
}

// IsBuiltinMetric reports whether name (or its parent, for submetrics) is a
// metric the engine records.
func IsBuiltinMetric(name string) bool {
	_, ok := metrics.BuiltinType(name)
	return ok
}
