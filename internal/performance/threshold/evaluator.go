package threshold

import (
	"errors"
	"fmt"
	"sort"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// Spec declares one threshold on one metric.
type Spec struct {
	Metric     string
	Expression string
}

// SpecsFromMap flattens a metric → expressions map into specs, ordered by
// metric name and then by declaration order.
func SpecsFromMap(m map[string][]string) []Spec {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	var specs []Spec
	for _, name := range names {
		for _, expr := range m[name] {
			specs = append(specs, Spec{Metric: name, Expression: expr})
		}
	}
	return specs
}

// Threshold is a parsed Spec.
type Threshold struct {
	Metric     string
	Expression Expression
}

// Key identifies the threshold in a Verdict.
func (t Threshold) Key() string {
	return t.Metric + ": " + t.Expression.Source
}

// Source provides summaries to evaluate against. *metrics.Collector implements it.
type Source interface {
	Summarize(name string) (metrics.Summary, bool)
}

// Result is the outcome of one threshold.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Passed     bool    `json:"passed"`
	Evaluated  bool    `json:"evaluated"`
	Observed   float64 `json:"observed"`
	Message    string  `json:"message,omitempty"`
}

// Verdict is the overall outcome of a run.
type Verdict struct {
	Passed       bool            `json:"passed"`
	PerThreshold map[string]bool `json:"perThreshold"`
	Results      []Result        `json:"results"`
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithFailOnNoData makes thresholds on metrics without samples fail instead of pass.
func WithFailOnNoData(fail bool) Option {
	return func(e *Evaluator) {
		e.failOnNoData = fail
	}
}

// Evaluator checks a fixed set of thresholds.
type Evaluator struct {
	thresholds   []Threshold
	failOnNoData bool
}

// NewEvaluator parses every spec. Parse errors, and aggregators that cannot
// apply to a builtin metric's type, are returned together.
func NewEvaluator(specs []Spec, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}

	var errs []error
	for _, spec := range specs {
		th, err := Compile(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.thresholds = append(e.thresholds, th)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return e, nil
}

// Compile parses a spec and checks it against the builtin metric table.
// Custom metrics are only checked at evaluation time.
func Compile(spec Spec) (Threshold, error) {
	expr, err := Parse(spec.Expression)
	if err != nil {
		return Threshold{}, fmt.Errorf("%s: %w", spec.Metric, err)
	}
	if t, ok := metrics.BuiltinType(spec.Metric); ok {
		if err := expr.Compatible(t); err != nil {
			return Threshold{}, fmt.Errorf("%s: %q: %w", spec.Metric, spec.Expression, err)
		}
	}
	return Threshold{Metric: spec.Metric, Expression: expr}, nil
}

// Thresholds returns the parsed thresholds.
func (e *Evaluator) Thresholds() []Threshold {
	out := make([]Threshold, len(e.thresholds))
	copy(out, e.thresholds)
	return out
}

// Evaluate checks every threshold against src.
func (e *Evaluator) Evaluate(src Source) Verdict {
	v := Verdict{
		Passed:       true,
		PerThreshold: make(map[string]bool, len(e.thresholds)),
		Results:      make([]Result, 0, len(e.thresholds)),
	}

	for _, th := range e.thresholds {
		r := e.evaluate(th, src)
		v.Results = append(v.Results, r)
		v.PerThreshold[th.Key()] = r.Passed
		if !r.Passed {
			v.Passed = false
		}
	}
	return v
}

func (e *Evaluator) evaluate(th Threshold, src Source) Result {
	r := Result{
		Metric:     th.Metric,
		Expression: th.Expression.Source,
	}

	sum, ok := src.Summarize(th.Metric)
	if !ok || sum.IsEmpty() {
		r.Passed = !e.failOnNoData
		r.Message = "no data"
		return r
	}

	observed, err := th.Expression.Observe(sum)
	if err != nil {
		r.Message = err.Error()
		return r
	}

	r.Evaluated = true
	r.Observed = observed
	r.Passed = th.Expression.Holds(observed)
	if !r.Passed {
		r.Message = fmt.Sprintf("%s is %.4g, threshold: %s %g", aggLabel(th.Expression), observed, th.Expression.Op, th.Expression.Value)
	}
	return r
}

func aggLabel(e Expression) string {
	if e.Aggregator == AggPercentile {
		return fmt.Sprintf("p(%g)", e.Percentile)
	}
	return string(e.Aggregator)
}
