package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// series is the aggregate state of one metric name.
type series interface {
	add(s Sample)
	summarize(name string, elapsed time.Duration) Summary
	kind() Type
}

func newSeries(name string, t Type, cfg CollectorConfig) series {
	switch t {
	case TypeCounter:
		return &counterSeries{}
	case TypeGauge:
		return &gaugeSeries{}
	case TypeRate:
		return &rateSeries{failOnTrue: FailsOnTrue(name)}
	default:
		return &trendSeries{
			hist: hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
			cfg:  cfg,
		}
	}
}

// trendSeries records values (milliseconds for durations) at microunit
// resolution in an HDR histogram. Count, sum, min and max are kept exactly.
// NOTE: HDR histogram RecordValue is not thread-safe, so every access holds mu.
type trendSeries struct {
	mu    sync.Mutex
	hist  *hdrhistogram.Histogram
	cfg   CollectorConfig
	count int64
	sum   float64
	min   float64
	max   float64
}

func (t *trendSeries) kind() Type { return TypeTrend }

func (t *trendSeries) add(s Sample) {
	micro := int64(math.Round(s.Value * 1000))
	if micro < 0 {
		micro = 0
	}
	if micro > t.cfg.HistogramMax {
		micro = t.cfg.HistogramMax
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.hist.RecordValue(micro)
	if t.count == 0 || s.Value < t.min {
		t.min = s.Value
	}
	if t.count == 0 || s.Value > t.max {
		t.max = s.Value
	}
	t.count++
	t.sum += s.Value
}

func (t *trendSeries) summarize(name string, _ time.Duration) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := Summary{
		Name:  name,
		Type:  TypeTrend,
		Count: t.count,
		Sum:   t.sum,
		Min:   t.min,
		Max:   t.max,
	}
	if t.count == 0 {
		return sum
	}

	sum.Mean = t.sum / float64(t.count)
	sum.hist = hdrhistogram.Import(t.hist.Export())
	sum.P50 = sum.Percentile(50)
	sum.P90 = sum.Percentile(90)
	sum.P95 = sum.Percentile(95)
	sum.P99 = sum.Percentile(99)
	return sum
}

// rateSeries counts samples and how many of them are non-zero. Whether a
// non-zero sample is a pass or a fail depends on the metric.
// Writers bump total before trues and readers load trues before total, so a
// concurrent summary never observes trues > total.
type rateSeries struct {
	failOnTrue bool
	total      atomic.Int64
	trues      atomic.Int64
}

func (r *rateSeries) kind() Type { return TypeRate }

func (r *rateSeries) add(s Sample) {
	r.total.Add(1)
	if s.Value != 0 {
		r.trues.Add(1)
	}
}

func (r *rateSeries) summarize(name string, _ time.Duration) Summary {
	trues := r.trues.Load()
	total := r.total.Load()

	passes, fails := trues, total-trues
	if r.failOnTrue {
		passes, fails = fails, passes
	}

	sum := Summary{
		Name:   name,
		Type:   TypeRate,
		Count:  total,
		Sum:    float64(fails),
		Passes: passes,
		Fails:  fails,
	}
	if total > 0 {
		sum.Rate = float64(fails) / float64(total)
		sum.Mean = sum.Rate
	}
	return sum
}

type counterSeries struct {
	mu    sync.Mutex
	count int64
	sum   float64
}

func (c *counterSeries) kind() Type { return TypeCounter }

func (c *counterSeries) add(s Sample) {
	c.mu.Lock()
	c.count++
	c.sum += s.Value
	c.mu.Unlock()
}

func (c *counterSeries) summarize(name string, elapsed time.Duration) Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum := Summary{
		Name:  name,
		Type:  TypeCounter,
		Count: c.count,
		Sum:   c.sum,
		Value: c.sum,
	}
	if c.count > 0 {
		sum.Mean = c.sum / float64(c.count)
	}
	if elapsed > 0 {
		sum.Rate = c.sum / elapsed.Seconds()
	}
	return sum
}

type gaugeSeries struct {
	mu    sync.Mutex
	count int64
	sum   float64
	last  float64
	min   float64
	max   float64
}

func (g *gaugeSeries) kind() Type { return TypeGauge }

func (g *gaugeSeries) add(s Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 || s.Value < g.min {
		g.min = s.Value
	}
	if g.count == 0 || s.Value > g.max {
		g.max = s.Value
	}
	g.count++
	g.sum += s.Value
	g.last = s.Value
}

func (g *gaugeSeries) summarize(name string, _ time.Duration) Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	sum := Summary{
		Name:  name,
		Type:  TypeGauge,
		Count: g.count,
		Sum:   g.sum,
		Min:   g.min,
		Max:   g.max,
		Value: g.last,
	}
	if g.count > 0 {
		sum.Mean = g.sum / float64(g.count)
	}
	return sum
}
