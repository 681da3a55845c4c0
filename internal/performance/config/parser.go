package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reviewload/reviewload/internal/logger"
	"github.com/reviewload/reviewload/pkg/jsonschema"
)

// Version is reported in the default User-Agent. Overridden at build time.
var Version = "0.1.0"

// Default values applied by ApplyDefaults.
const (
	DefaultBaseURL                  = "http://localhost:8080"
	DefaultTimeout                  = 10 * time.Second
	DefaultTickInterval             = time.Second
	DefaultGracefulStop             = 30 * time.Second
	DefaultMaxIdleConnsPerHost      = 100
	DefaultTeamSize                 = 4
	DefaultPullRequestName          = "Test PR"
	DefaultConnectionFailureCeiling = 100
	DefaultHostMetricsInterval      = time.Second
	DefaultOTelInterval             = 10 * time.Second
)

//go:embed schema.json
var schemaJSON []byte

var documentSchema = jsonschema.MustCompile("config.json", schemaJSON)

// Schema returns the embedded JSON Schema of the configuration document.
func Schema() []byte {
	return schemaJSON
}

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension. The document is checked
// against the embedded JSON Schema before it is decoded; schema violations
// are returned as *ValidationErrors.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		if err := checkSchema(doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		if err := checkSchema(jsonschema.ToJSONCompatible(doc)); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &config, nil
}

func checkSchema(doc any) error {
	violations := documentSchema.Validate(doc)
	if len(violations) == 0 {
		return nil
	}

	errs := &ValidationErrors{}
	for _, v := range violations {
		if leaf, ok := v.(*jsonschema.LeafError); ok {
			errs.Add(pointerToField(leaf.Location), leaf.Message)
			continue
		}
		errs.Add("", v.Error())
	}
	return errs
}

// pointerToField turns a JSON pointer such as /stages/0/target into the
// field notation used by Validate: stages[0].target.
func pointerToField(pointer string) string {
	var sb strings.Builder
	for _, part := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		if part == "" {
			continue
		}
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(part); err == nil && sb.Len() > 0 {
			sb.WriteString("[" + part + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

// DefaultConfig returns the reference review-assigner load profile: three
// 5s stages to 5, 10 and 0 VUs against localhost:8080, p95 under 300ms,
// under 1% failed requests and a 200ms pause between iterations.
func DefaultConfig() *TestConfig {
	config := &TestConfig{
		Name: "review-assigner load",
		Settings: Settings{
			BaseURL: DefaultBaseURL,
			Pacing:  &PacingConfig{Type: "constant", Duration: Duration(200 * time.Millisecond)},
		},
		Stages: []StageConfig{
			{Duration: Duration(5 * time.Second), Target: 5},
			{Duration: Duration(5 * time.Second), Target: 10},
			{Duration: Duration(5 * time.Second), Target: 0},
		},
		Thresholds: map[string][]string{
			"http_req_duration": {"p(95)<300"},
			"http_req_failed":   {"rate<0.01"},
		},
	}
	ApplyDefaults(config)
	return config
}

// ApplyDefaults applies default values to a TestConfig.
func ApplyDefaults(config *TestConfig) {
	s := &config.Settings
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	if s.Timeout == 0 {
		s.Timeout = Duration(DefaultTimeout)
	}
	if s.TickInterval == 0 {
		s.TickInterval = Duration(DefaultTickInterval)
	}
	if s.GracefulStop == 0 {
		s.GracefulStop = Duration(DefaultGracefulStop)
	}
	if s.MaxIdleConnsPerHost == 0 {
		s.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if s.UserAgent == "" {
		s.UserAgent = "reviewload/" + Version
	}
	if s.Pacing == nil {
		s.Pacing = &PacingConfig{Type: "none"}
	}

	if config.Scenario.TeamSize == 0 {
		config.Scenario.TeamSize = DefaultTeamSize
	}
	if config.Scenario.PullRequestName == "" {
		config.Scenario.PullRequestName = DefaultPullRequestName
	}

	if config.Options.ConnectionFailureCeiling == nil {
		ceiling := DefaultConnectionFailureCeiling
		config.Options.ConnectionFailureCeiling = &ceiling
	}

	defaults := logger.DefaultConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = defaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = defaults.Format
	}
	if config.Logging.MaxSizeMB == 0 {
		config.Logging.MaxSizeMB = defaults.MaxSizeMB
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = defaults.MaxBackups
	}
	if config.Logging.MaxAgeDays == 0 {
		config.Logging.MaxAgeDays = defaults.MaxAgeDays
	}

	t := &config.Telemetry
	if t.OTel.Exporter == "" {
		t.OTel.Exporter = "none"
	}
	if t.OTel.ServiceName == "" {
		t.OTel.ServiceName = "reviewload"
	}
	if t.OTel.Interval == 0 {
		t.OTel.Interval = Duration(DefaultOTelInterval)
	}
	if t.Prometheus.Namespace == "" {
		t.Prometheus.Namespace = "reviewload"
	}
	if t.HostMetrics.Interval == 0 {
		t.HostMetrics.Interval = Duration(DefaultHostMetricsInterval)
	}
}
