// Package threshold parses and evaluates pass/fail criteria over metric summaries.
package threshold

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// ErrInvalidExpression is returned for expressions that cannot be parsed.
var ErrInvalidExpression = errors.New("invalid threshold expression")

// ErrIncompatible is returned when an aggregator cannot apply to a metric type.
var ErrIncompatible = errors.New("aggregator not supported for metric type")

// Aggregator selects the summary statistic a threshold compares.
type Aggregator string

const (
	AggPercentile Aggregator = "p"
	AggRate       Aggregator = "rate"
	AggAvg        Aggregator = "avg"
	AggCount      Aggregator = "count"
	AggMin        Aggregator = "min"
	AggMax        Aggregator = "max"
	AggMed        Aggregator = "med"
	AggValue      Aggregator = "value"
)

var aggregators = map[string]Aggregator{
	"rate":  AggRate,
	"avg":   AggAvg,
	"count": AggCount,
	"min":   AggMin,
	"max":   AggMax,
	"med":   AggMed,
	"value": AggValue,
}

var exprPattern = regexp.MustCompile(
	`^\s*(p\(\s*([0-9]+(?:\.[0-9]+)?)\s*\)|[a-z]+)\s*(<=|>=|==|!=|<|>)\s*(-?[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?)\s*(ms|us|µs|s|m)?\s*$`,
)

// Expression is a parsed threshold such as "p(95)<300".
type Expression struct {
	Source     string
	Aggregator Aggregator
	Percentile float64 // only for AggPercentile
	Op         string
	Value      float64 // durations normalised to milliseconds
}

// Parse parses a threshold expression.
//
// Supported forms:
//
//	p(95)<300      percentile of a trend
//	med<=200ms     median, duration suffix normalised to ms
//	avg<1s         mean of a trend or gauge
//	min>0, max<2s  extremes of a trend or gauge
//	rate<0.01      share of true samples, or per-second rate of a counter
//	count>=100     number of samples (sum for counters)
//	value<80       last gauge value
func Parse(expr string) (Expression, error) {
	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return Expression{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}

	e := Expression{Source: strings.TrimSpace(expr), Op: m[3]}

	if m[2] != "" {
		p, err := strconv.ParseFloat(m[2], 64)
		if err != nil || p < 0 || p > 100 {
			return Expression{}, fmt.Errorf("%w: percentile %q out of range [0,100]", ErrInvalidExpression, m[2])
		}
		e.Aggregator = AggPercentile
		e.Percentile = p
	} else {
		agg, ok := aggregators[m[1]]
		if !ok {
			return Expression{}, fmt.Errorf("%w: unknown aggregator %q", ErrInvalidExpression, m[1])
		}
		e.Aggregator = agg
	}

	v, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Expression{}, fmt.Errorf("%w: value %q: %v", ErrInvalidExpression, m[4], err)
	}
	switch m[5] {
	case "s":
		v *= 1000
	case "m":
		v *= 60000
	case "us", "µs":
		v /= 1000
	}
	e.Value = v
	return e, nil
}

// String returns the canonical form of the expression.
func (e Expression) String() string {
	agg := string(e.Aggregator)
	if e.Aggregator == AggPercentile {
		agg = "p(" + strconv.FormatFloat(e.Percentile, 'f', -1, 64) + ")"
	}
	return agg + e.Op + strconv.FormatFloat(e.Value, 'f', -1, 64)
}

// Compatible reports whether the aggregator can apply to metrics of type t.
func (e Expression) Compatible(t metrics.Type) error {
	ok := false
	switch e.Aggregator {
	case AggPercentile, AggMed:
		ok = t == metrics.TypeTrend
	case AggAvg, AggMin, AggMax:
		ok = t == metrics.TypeTrend || t == metrics.TypeGauge
	case AggRate:
		ok = t == metrics.TypeRate || t == metrics.TypeCounter
	case AggCount:
		ok = true
	case AggValue:
		ok = t == metrics.TypeGauge
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrIncompatible, e.Aggregator, t)
	}
	return nil
}

// Observe extracts the aggregated value from a summary.
func (e Expression) Observe(s metrics.Summary) (float64, error) {
	if err := e.Compatible(s.Type); err != nil {
		return 0, err
	}
	switch e.Aggregator {
	case AggPercentile:
		return s.Percentile(e.Percentile), nil
	case AggMed:
		return s.Percentile(50), nil
	case AggAvg:
		return s.Mean, nil
	case AggMin:
		return s.Min, nil
	case AggMax:
		return s.Max, nil
	case AggRate:
		return s.Rate, nil
	case AggCount:
		if s.Type == metrics.TypeCounter {
			return s.Sum, nil
		}
		return float64(s.Count), nil
	case AggValue:
		return s.Value, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidExpression, e.Aggregator)
}

// Holds reports whether observed satisfies the expression.
func (e Expression) Holds(observed float64) bool {
	return compareValues(observed, e.Op, e.Value)
}

func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
