package config

import (
	"time"

	"github.com/reviewload/reviewload/internal/performance"
	"github.com/reviewload/reviewload/internal/performance/executor"
	"github.com/reviewload/reviewload/internal/performance/scenario"
	"github.com/reviewload/reviewload/internal/performance/threshold"
)

// ExecutorConfig converts the stages and scheduling settings.
func (c *TestConfig) ExecutorConfig() executor.Config {
	stages := make([]executor.Stage, len(c.Stages))
	for i, s := range c.Stages {
		stages[i] = executor.Stage{
			Duration: time.Duration(s.Duration),
			Target:   s.Target,
			Name:     s.Name,
		}
	}
	return executor.Config{
		Stages:       stages,
		TickInterval: time.Duration(c.Settings.TickInterval),
		GracefulStop: time.Duration(c.Settings.GracefulStop),
		MaxDuration:  time.Duration(c.Options.MaxDuration),
	}
}

// HTTPClientConfig converts the connection settings.
func (c *TestConfig) HTTPClientConfig() performance.HTTPClientConfig {
	cfg := performance.DefaultHTTPClientConfig()
	cfg.Timeout = c.Settings.Timeout.GetDuration(cfg.Timeout)
	cfg.MaxConnsPerHost = c.Settings.MaxConnectionsPerHost
	if c.Settings.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = c.Settings.MaxIdleConnsPerHost
	}
	cfg.InsecureSkipVerify = c.Settings.InsecureSkipVerify
	return cfg
}

// Pacing converts the pacing settings.
func (c *TestConfig) Pacing() performance.Pacing {
	p := c.Settings.Pacing
	if p == nil {
		return performance.Pacing{Type: performance.PacingNone}
	}
	return performance.Pacing{
		Type:     performance.PacingType(p.Type),
		Duration: time.Duration(p.Duration),
		Min:      time.Duration(p.Min),
		Max:      time.Duration(p.Max),
	}
}

// WorkflowConfig converts the scenario settings.
func (c *TestConfig) WorkflowConfig() scenario.WorkflowConfig {
	return scenario.WorkflowConfig{
		TeamSize: c.Scenario.TeamSize,
		PRName:   c.Scenario.PullRequestName,
	}
}

// ThresholdSpecs flattens the thresholds map.
func (c *TestConfig) ThresholdSpecs() []threshold.Spec {
	return threshold.SpecsFromMap(c.Thresholds)
}

// FailureCeiling returns the connection-failure ceiling; <= 0 disables the check.
func (c *TestConfig) FailureCeiling() int {
	if c.Options.ConnectionFailureCeiling == nil {
		return DefaultConnectionFailureCeiling
	}
	return *c.Options.ConnectionFailureCeiling
}
