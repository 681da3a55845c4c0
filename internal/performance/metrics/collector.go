package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CollectorConfig contains configuration for the collector.
type CollectorConfig struct {
	// BucketInterval is the timeline bucket width (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the number of timeline buckets retained (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable trend value in microunits (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable trend value in microunits (default: 1 hour in µs)
	HistogramMax int64

	// HistogramSigFigs is the histogram precision (default: 3)
	HistogramSigFigs int
}

// DefaultCollectorConfig returns the default configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// Collector aggregates samples into named series.
//
// # Thread Safety
//
// Record is safe for any number of concurrent callers. The name→series map is
// read-mostly behind an RWMutex; each series guards its own state, so
// recording into different series never contends on a shared lock.
type Collector struct {
	mu     sync.RWMutex
	series map[string]series

	observersMu sync.RWMutex
	observers   []Observer

	ordinal   atomic.Uint64
	activeVUs atomic.Int32

	phaseMu      sync.RWMutex
	phase        Phase
	phaseHistory []PhaseChange

	timeline *Timeline
	start    time.Time
	config   CollectorConfig
}

// NewCollector creates a collector with the default configuration.
func NewCollector() *Collector {
	return NewCollectorWithConfig(DefaultCollectorConfig())
}

// NewCollectorWithConfig creates a collector with custom configuration.
func NewCollectorWithConfig(config CollectorConfig) *Collector {
	def := DefaultCollectorConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.MaxBuckets <= 0 {
		config.MaxBuckets = def.MaxBuckets
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs < 1 || config.HistogramSigFigs > 5 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}

	now := time.Now()
	return &Collector{
		series:   make(map[string]series),
		phase:    PhaseInit,
		timeline: NewTimeline(config.MaxBuckets, now),
		start:    now,
		config:   config,
	}
}

// Register declares a metric ahead of its first sample. Registering an
// existing name with the same type is a no-op.
func (c *Collector) Register(name string, t Type) error {
	_, err := c.lookup(name, t)
	return err
}

// AddObserver attaches an observer that receives every recorded sample.
func (c *Collector) AddObserver(o Observer) {
	if o == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, o)
	c.observersMu.Unlock()
}

// Record adds a sample to the named series. The metric type is taken from the
// builtin table or from an earlier Register call; unknown names fail with
// ErrUnknownMetric.
//
// Tags on the sample also feed one submetric series per tag, named
// "name{key:value}".
func (c *Collector) Record(name string, s Sample) error {
	t, ok := c.typeOf(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return c.record(name, t, s)
}

// AddCounter adds v to a counter.
func (c *Collector) AddCounter(name string, v float64, tags map[string]string) error {
	return c.record(name, TypeCounter, Sample{Value: v, Tags: tags})
}

// AddTrend records a trend value.
func (c *Collector) AddTrend(name string, v float64, tags map[string]string) error {
	return c.record(name, TypeTrend, Sample{Value: v, Tags: tags})
}

// AddRate records a boolean sample. See FailsOnTrue for which value counts
// as a failure.
func (c *Collector) AddRate(name string, ok bool, tags map[string]string) error {
	v := 0.0
	if ok {
		v = 1
	}
	return c.record(name, TypeRate, Sample{Value: v, Tags: tags})
}

// SetGauge sets a gauge to v.
func (c *Collector) SetGauge(name string, v float64, tags map[string]string) error {
	return c.record(name, TypeGauge, Sample{Value: v, Tags: tags})
}

func (c *Collector) record(name string, t Type, s Sample) error {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	if s.Ordinal == 0 {
		s.Ordinal = c.ordinal.Add(1)
	}

	sr, err := c.lookup(name, t)
	if err != nil {
		return err
	}
	sr.add(s)

	for _, k := range sortedKeys(s.Tags) {
		sub, err := c.lookup(SubmetricName(name, k, s.Tags[k]), t)
		if err != nil {
			return err
		}
		sub.add(s)
	}

	switch name {
	case HTTPReqs:
		c.timeline.recordRequest()
	case HTTPReqFailed:
		if s.Value != 0 {
			c.timeline.recordFailure()
		}
	case VUs:
		c.activeVUs.Store(int32(s.Value))
	}

	c.observersMu.RLock()
	for _, o := range c.observers {
		o.Observe(name, t, s)
	}
	c.observersMu.RUnlock()
	return nil
}

// lookup returns the series for name, creating it on first use.
func (c *Collector) lookup(name string, t Type) (series, error) {
	c.mu.RLock()
	sr, ok := c.series[name]
	c.mu.RUnlock()
	if ok {
		if sr.kind() != t {
			return nil, fmt.Errorf("%w: %s is %s, not %s", ErrTypeMismatch, name, sr.kind(), t)
		}
		return sr, nil
	}

	if bt, ok := BuiltinType(name); ok && bt != t {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrTypeMismatch, name, bt, t)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sr, ok := c.series[name]; ok {
		if sr.kind() != t {
			return nil, fmt.Errorf("%w: %s is %s, not %s", ErrTypeMismatch, name, sr.kind(), t)
		}
		return sr, nil
	}
	sr = newSeries(name, t, c.config)
	c.series[name] = sr
	return sr, nil
}

func (c *Collector) typeOf(name string) (Type, bool) {
	c.mu.RLock()
	sr, ok := c.series[name]
	c.mu.RUnlock()
	if ok {
		return sr.kind(), true
	}
	if t, ok := BuiltinType(name); ok {
		return t, true
	}
	base, tags := ParseName(name)
	if len(tags) > 0 {
		c.mu.RLock()
		sr, ok := c.series[base]
		c.mu.RUnlock()
		if ok {
			return sr.kind(), true
		}
	}
	return "", false
}

// Summarize returns a summary of the named series.
func (c *Collector) Summarize(name string) (Summary, bool) {
	c.mu.RLock()
	sr, ok := c.series[name]
	c.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	return sr.summarize(name, c.Elapsed()), true
}

// Names returns every series name in sorted order.
func (c *Collector) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Summaries returns a summary of every series, sorted by name.
func (c *Collector) Summaries() []Summary {
	names := c.Names()
	out := make([]Summary, 0, len(names))
	for _, name := range names {
		if s, ok := c.Summarize(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// Elapsed returns the time since the collector was created.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.start)
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.start
}

// SetPhase marks a phase transition. Repeating the current phase is a no-op.
func (c *Collector) SetPhase(phase Phase) {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()

	if c.phase == phase {
		return
	}
	c.phase = phase
	c.phaseHistory = append(c.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  c.timeline.total.Load(),
	})
}

// Phase returns the current phase.
func (c *Collector) Phase() Phase {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()
	return c.phase
}

// PhaseHistory returns every recorded phase transition.
func (c *Collector) PhaseHistory() []PhaseChange {
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()

	out := make([]PhaseChange, len(c.phaseHistory))
	copy(out, c.phaseHistory)
	return out
}

// ActiveVUs returns the last value recorded on the vus gauge.
func (c *Collector) ActiveVUs() int {
	return int(c.activeVUs.Load())
}

// Timeline returns the per-interval timeline.
func (c *Collector) Timeline() *Timeline {
	return c.timeline
}

// EmitBucket closes the current timeline interval.
func (c *Collector) EmitBucket() Bucket {
	var p95 float64
	if s, ok := c.Summarize(HTTPReqDuration); ok {
		p95 = s.P95
	}
	return c.timeline.Flush(time.Now(), p95, c.ActiveVUs(), c.Phase())
}

// RunEmitter emits a timeline bucket every BucketInterval until ctx is done,
// then emits a final one.
func (c *Collector) RunEmitter(ctx context.Context) {
	ticker := time.NewTicker(c.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.EmitBucket()
			return
		case <-ticker.C:
			c.EmitBucket()
		}
	}
}
