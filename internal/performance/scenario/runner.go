package scenario

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/performance"
	"github.com/reviewload/reviewload/internal/performance/metrics"
	"github.com/reviewload/reviewload/internal/performance/rate"
	"github.com/reviewload/reviewload/pkg/jsonpath"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// BaseURL of the target, e.g. http://localhost:8080
	BaseURL string

	// Steps executed in order every iteration
	Steps []Step

	// Client is the shared HTTP client (nil = performance.NewHTTPClient defaults)
	Client *http.Client

	// Collector receives every sample
	Collector *metrics.Collector

	// Limiter caps the global request rate (nil = unlimited)
	Limiter *rate.LeakyBucket

	// Headers added to every request
	Headers map[string]string

	// UserAgent header value
	UserAgent string

	Logger *zap.Logger
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name       string
	StatusCode int
	Duration   time.Duration
	Passed     bool
	Error      error
}

// Runner executes the scenario steps for a VU. It implements
// performance.Iteration.
type Runner struct {
	baseURL   string
	steps     []Step
	client    *http.Client
	collector *metrics.Collector
	limiter   *rate.LeakyBucket
	headers   map[string]string
	userAgent string
	logger    *zap.Logger
}

// NewRunner validates the steps and the base URL.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("scenario: base URL %q must be an absolute http(s) URL", cfg.BaseURL)
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("%w: scenario has no steps", ErrInvalidStep)
	}
	for _, s := range cfg.Steps {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	r := &Runner{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		steps:     cfg.Steps,
		client:    cfg.Client,
		collector: cfg.Collector,
		limiter:   cfg.Limiter,
		headers:   cfg.Headers,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
	if r.client == nil {
		r.client = performance.NewHTTPClient(performance.DefaultHTTPClientConfig())
	}
	if r.collector == nil {
		r.collector = metrics.NewCollector()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// RunIteration executes every step in order. Failed steps never stop the
// sequence; the returned error lists the failed checks. If ctx is cancelled
// the iteration is abandoned and ctx.Err() is returned.
func (r *Runner) RunIteration(ctx context.Context, vu *performance.VirtualUser) error {
	_, err := r.Execute(ctx, vu)
	return err
}

// Execute runs the steps against vars and returns one result per completed step.
func (r *Runner) Execute(ctx context.Context, vars Vars) ([]StepResult, error) {
	results := make([]StepResult, 0, len(r.steps))
	var failed []string

	for _, step := range r.steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		var res StepResult
		if step.IsLocal() {
			res = r.runLocal(step, vars)
		} else {
			var abandoned bool
			res, abandoned = r.runRequest(ctx, step, vars)
			if abandoned {
				return results, ctx.Err()
			}
		}

		results = append(results, res)
		if !res.Passed {
			failed = append(failed, step.Check)
		}
	}

	if len(failed) > 0 {
		return results, fmt.Errorf("%d of %d checks failed: %s", len(failed), len(r.steps), strings.Join(failed, ", "))
	}
	return results, nil
}

func (r *Runner) runLocal(step Step, vars Vars) StepResult {
	start := time.Now()
	err := step.Local(vars)
	elapsed := time.Since(start)

	res := StepResult{Name: step.Name, Duration: elapsed, Passed: err == nil, Error: err}
	r.recordStep(step, res)
	return res
}

// runRequest sends the step's request. The second return value reports an
// iteration abandoned through cancellation, in which case nothing is recorded.
func (r *Runner) runRequest(ctx context.Context, step Step, vars Vars) (StepResult, bool) {
	if err := r.limiter.Wait(ctx); err != nil {
		return StepResult{Name: step.Name, Error: err}, true
	}

	lookup := LookupVars(vars)
	var body []byte
	if step.Request.Body != "" {
		rendered, err := RenderBody(step.Request.Body, lookup)
		if err != nil {
			res := StepResult{Name: step.Name, Error: err}
			r.recordStep(step, res)
			return res, false
		}
		body = rendered
	}

	req, err := r.buildRequest(ctx, step, RenderPath(step.Request.Path, lookup), body)
	if err != nil {
		res := StepResult{Name: step.Name, Error: fmt.Errorf("failed to build request: %w", err)}
		r.recordStep(step, res)
		return res, false
	}

	tags := map[string]string{"step": step.Name}
	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return StepResult{Name: step.Name, Error: err}, true
		}
		res := StepResult{Name: step.Name, Duration: time.Since(start), Error: err}
		r.recordTransportError(tags, len(body))
		r.recordStep(step, res)
		return res, false
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	elapsed := time.Since(start)
	if readErr != nil && ctx.Err() != nil {
		return StepResult{Name: step.Name, Error: readErr}, true
	}

	res := StepResult{
		Name:       step.Name,
		StatusCode: resp.StatusCode,
		Duration:   elapsed,
		Passed:     readErr == nil && step.Accept.Contains(resp.StatusCode),
		Error:      readErr,
	}

	ms := float64(elapsed) / float64(time.Millisecond)
	_ = r.collector.AddCounter(metrics.HTTPReqs, 1, tags)
	_ = r.collector.AddTrend(metrics.HTTPReqDuration, ms, tags)
	_ = r.collector.AddRate(metrics.HTTPReqFailed, !res.Passed, tags)
	_ = r.collector.AddCounter(metrics.DataSent, float64(len(body)), nil)
	_ = r.collector.AddCounter(metrics.DataReceived, float64(len(respBody)), nil)

	if readErr == nil && step.Extract != nil {
		r.extract(step, vars, resp.StatusCode, respBody)
	}

	r.recordStep(step, res)
	return res, false
}

func (r *Runner) buildRequest(ctx context.Context, step Step, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, step.Request.Method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	for key, value := range r.headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func (r *Runner) extract(step Step, vars Vars, status int, body []byte) {
	ex := step.Extract
	on := ex.OnStatus
	if len(on) == 0 {
		on = step.Accept
	}
	if !on.Contains(status) {
		return
	}

	value, err := jsonpath.Extract(body, ex.Path)
	if err != nil {
		if !errors.Is(err, jsonpath.ErrNotFound) {
			r.logger.Debug("extraction failed",
				zap.String("step", step.Name),
				zap.String("path", ex.Path),
				zap.Error(err))
		}
		return
	}
	vars.SetData(ex.Var, value)
}

func (r *Runner) recordTransportError(tags map[string]string, sent int) {
	_ = r.collector.AddCounter(metrics.HTTPReqs, 1, tags)
	_ = r.collector.AddRate(metrics.HTTPReqFailed, true, tags)
	_ = r.collector.AddCounter(metrics.TransportErrors, 1, nil)
	_ = r.collector.AddCounter(metrics.DataSent, float64(sent), nil)
}

func (r *Runner) recordStep(step Step, res StepResult) {
	_ = r.collector.AddTrend(metrics.StepDuration, float64(res.Duration)/float64(time.Millisecond), map[string]string{"step": step.Name})
	_ = r.collector.AddRate(metrics.Checks, res.Passed, map[string]string{"check": step.Check})

	if !res.Passed {
		fields := []zap.Field{zap.String("step", step.Name)}
		if res.StatusCode != 0 {
			fields = append(fields, zap.String("status", strconv.Itoa(res.StatusCode)))
		}
		if res.Error != nil {
			fields = append(fields, zap.Error(res.Error))
		}
		r.logger.Debug("check failed", fields...)
	}
}
