package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector() returned nil")
	}
	if c.Phase() != PhaseInit {
		t.Errorf("initial phase = %v, want %v", c.Phase(), PhaseInit)
	}
	if got := len(c.Names()); got != 0 {
		t.Errorf("initial series count = %d, want 0", got)
	}
}

func TestCollector_ConcurrentRecord(t *testing.T) {
	c := NewCollector()

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := c.Record(HTTPReqDuration, Sample{Value: float64(w + i)}); err != nil {
					t.Errorf("Record() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	s, ok := c.Summarize(HTTPReqDuration)
	if !ok {
		t.Fatal("Summarize() found no series")
	}
	if s.Count != workers*perWorker {
		t.Errorf("Count = %d, want %d", s.Count, workers*perWorker)
	}
}

func TestCollector_ConcurrentRates(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.AddRate(HTTPReqFailed, i%4 == 0, nil)
		}(i)
	}
	wg.Wait()

	s, _ := c.Summarize(HTTPReqFailed)
	if s.Count != 1000 {
		t.Errorf("Count = %d, want 1000", s.Count)
	}
	// a true http_req_failed sample is a failed request
	if s.Fails != 250 || s.Passes != 750 {
		t.Errorf("Passes/Fails = %d/%d, want 750/250", s.Passes, s.Fails)
	}
	if s.Rate != 0.25 {
		t.Errorf("Rate = %v, want 0.25", s.Rate)
	}
}

func TestCollector_RateIsFailFraction(t *testing.T) {
	tests := []struct {
		name       string
		metric     string
		trues      int
		falses     int
		wantPasses int64
		wantFails  int64
		wantRate   float64
	}{
		{"checks pass on true", Checks, 999, 1, 999, 1, 0.001},
		{"check submetric follows parent", "checks{check:pr created}", 3, 1, 3, 1, 0.25},
		{"http_req_failed fails on true", HTTPReqFailed, 1, 999, 999, 1, 0.001},
		{"all checks failed", Checks, 0, 4, 0, 4, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCollector()
			for i := 0; i < tt.trues; i++ {
				_ = c.AddRate(tt.metric, true, nil)
			}
			for i := 0; i < tt.falses; i++ {
				_ = c.AddRate(tt.metric, false, nil)
			}

			s, ok := c.Summarize(tt.metric)
			if !ok {
				t.Fatal("Summarize() found no series")
			}
			if s.Passes != tt.wantPasses || s.Fails != tt.wantFails {
				t.Errorf("Passes/Fails = %d/%d, want %d/%d", s.Passes, s.Fails, tt.wantPasses, tt.wantFails)
			}
			if diff := s.Rate - tt.wantRate; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("Rate = %v, want %v", s.Rate, tt.wantRate)
			}
		})
	}
}

func TestFailsOnTrue(t *testing.T) {
	if FailsOnTrue(Checks) || FailsOnTrue("checks{check:team created}") {
		t.Error("checks samples are true on pass")
	}
	if !FailsOnTrue(HTTPReqFailed) || !FailsOnTrue("custom_errors") {
		t.Error("other rate metrics are true on failure")
	}
}

func TestCollector_TrendPercentiles(t *testing.T) {
	c := NewCollector()

	for i := 1; i <= 100; i++ {
		_ = c.AddTrend(HTTPReqDuration, float64(i), nil)
	}

	s, _ := c.Summarize(HTTPReqDuration)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"min", s.Min, 1},
		{"max", s.Max, 100},
		{"mean", s.Mean, 50.5},
		{"p50", s.P50, 50},
		{"p90", s.P90, 90},
		{"p95", s.P95, 95},
		{"p99", s.P99, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := tt.got - tt.want; diff > 0.1 || diff < -0.1 {
				t.Errorf("%s = %v, want ~%v", tt.name, tt.got, tt.want)
			}
		})
	}

	if p := s.Percentile(100); p != s.Max {
		t.Errorf("Percentile(100) = %v, want max %v", p, s.Max)
	}
	if p := s.Percentile(0); p != s.Min {
		t.Errorf("Percentile(0) = %v, want min %v", p, s.Min)
	}
}

func TestCollector_PercentileOnSingleValue(t *testing.T) {
	c := NewCollector()
	_ = c.AddTrend(HTTPReqDuration, 250, nil)

	s, _ := c.Summarize(HTTPReqDuration)
	for _, p := range []float64{1, 50, 95, 99.9} {
		if got := s.Percentile(p); got != 250 {
			t.Errorf("Percentile(%v) = %v, want 250", p, got)
		}
	}
}

func TestCollector_Submetrics(t *testing.T) {
	c := NewCollector()

	_ = c.AddTrend(StepDuration, 10, map[string]string{"step": "create_team"})
	_ = c.AddTrend(StepDuration, 20, map[string]string{"step": "create_pr"})
	_ = c.AddTrend(StepDuration, 30, map[string]string{"step": "create_pr"})

	parent, _ := c.Summarize(StepDuration)
	if parent.Count != 3 {
		t.Errorf("parent Count = %d, want 3", parent.Count)
	}

	sub, ok := c.Summarize("step_duration{step:create_pr}")
	if !ok {
		t.Fatal("submetric series missing")
	}
	if sub.Count != 2 {
		t.Errorf("submetric Count = %d, want 2", sub.Count)
	}
	if sub.Mean != 25 {
		t.Errorf("submetric Mean = %v, want 25", sub.Mean)
	}
}

func TestCollector_RecordUnknownMetric(t *testing.T) {
	c := NewCollector()

	err := c.Record("no_such_metric", Sample{Value: 1})
	if !errors.Is(err, ErrUnknownMetric) {
		t.Errorf("Record() error = %v, want ErrUnknownMetric", err)
	}

	if err := c.Register("no_such_metric", TypeCounter); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Record("no_such_metric", Sample{Value: 1}); err != nil {
		t.Errorf("Record() after Register error = %v", err)
	}
}

func TestCollector_TypeMismatch(t *testing.T) {
	c := NewCollector()

	if err := c.AddCounter(HTTPReqDuration, 1, nil); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("AddCounter(trend) error = %v, want ErrTypeMismatch", err)
	}

	_ = c.Register("custom", TypeGauge)
	if err := c.AddTrend("custom", 1, nil); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("AddTrend(gauge) error = %v, want ErrTypeMismatch", err)
	}
}

func TestCollector_CounterAndGauge(t *testing.T) {
	c := NewCollector()

	_ = c.AddCounter(DataSent, 100, nil)
	_ = c.AddCounter(DataSent, 50, nil)
	_ = c.SetGauge(VUs, 3, nil)
	_ = c.SetGauge(VUs, 7, nil)
	_ = c.SetGauge(VUs, 5, nil)

	sent, _ := c.Summarize(DataSent)
	if sent.Value != 150 {
		t.Errorf("counter Value = %v, want 150", sent.Value)
	}

	vus, _ := c.Summarize(VUs)
	if vus.Value != 5 || vus.Max != 7 || vus.Min != 3 {
		t.Errorf("gauge = {value %v min %v max %v}, want {5 3 7}", vus.Value, vus.Min, vus.Max)
	}
	if c.ActiveVUs() != 5 {
		t.Errorf("ActiveVUs() = %d, want 5", c.ActiveVUs())
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingObserver) Observe(name string, _ Type, _ Sample) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func TestCollector_Observers(t *testing.T) {
	c := NewCollector()
	obs := &recordingObserver{}
	c.AddObserver(obs)

	_ = c.AddCounter(HTTPReqs, 1, map[string]string{"step": "merge"})
	_ = c.AddRate(Checks, true, nil)

	if len(obs.names) != 2 {
		t.Fatalf("observer saw %d samples, want 2", len(obs.names))
	}
	if obs.names[0] != HTTPReqs || obs.names[1] != Checks {
		t.Errorf("observer saw %v", obs.names)
	}
}

func TestCollector_PhaseHistory(t *testing.T) {
	c := NewCollector()

	c.SetPhase(PhaseRampUp)
	c.SetPhase(PhaseRampUp)
	c.SetPhase(PhaseSteady)
	c.SetPhase(PhaseDone)

	history := c.PhaseHistory()
	if len(history) != 3 {
		t.Fatalf("phase history length = %d, want 3", len(history))
	}
	if history[2].Phase != PhaseDone {
		t.Errorf("last phase = %v, want %v", history[2].Phase, PhaseDone)
	}
}

func TestCollector_EmitBucket(t *testing.T) {
	c := NewCollector()
	c.SetPhase(PhaseSteady)

	for i := 0; i < 10; i++ {
		_ = c.AddCounter(HTTPReqs, 1, nil)
		_ = c.AddRate(HTTPReqFailed, i < 2, nil)
		_ = c.AddTrend(HTTPReqDuration, 100, nil)
	}
	_ = c.SetGauge(VUs, 4, nil)

	b := c.EmitBucket()
	if b.IntervalRequests != 10 {
		t.Errorf("IntervalRequests = %d, want 10", b.IntervalRequests)
	}
	if b.IntervalFailures != 2 {
		t.Errorf("IntervalFailures = %d, want 2", b.IntervalFailures)
	}
	if b.ErrorRate != 0.2 {
		t.Errorf("ErrorRate = %v, want 0.2", b.ErrorRate)
	}
	if b.LatencyP95 != 100 {
		t.Errorf("LatencyP95 = %v, want 100", b.LatencyP95)
	}
	if b.ActiveVUs != 4 || b.Phase != PhaseSteady {
		t.Errorf("bucket = {vus %d phase %v}, want {4 steady}", b.ActiveVUs, b.Phase)
	}

	next := c.EmitBucket()
	if next.IntervalRequests != 0 || next.TotalRequests != 10 {
		t.Errorf("second bucket = {interval %d total %d}, want {0 10}", next.IntervalRequests, next.TotalRequests)
	}
}

func TestTimeline_RingBuffer(t *testing.T) {
	start := time.Now()
	tl := NewTimeline(3, start)

	for i := 1; i <= 5; i++ {
		tl.recordRequest()
		tl.Flush(start.Add(time.Duration(i)*time.Second), 0, i, PhaseSteady)
	}

	buckets := tl.Buckets()
	if len(buckets) != 3 {
		t.Fatalf("len(Buckets()) = %d, want 3", len(buckets))
	}
	for i, b := range buckets {
		if b.ActiveVUs != i+3 {
			t.Errorf("bucket[%d].ActiveVUs = %d, want %d", i, b.ActiveVUs, i+3)
		}
		if b.IntervalRPS != 1 {
			t.Errorf("bucket[%d].IntervalRPS = %v, want 1", i, b.IntervalRPS)
		}
	}

	latest, ok := tl.Latest()
	if !ok || latest.ActiveVUs != 5 {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}

	rps, n := tl.SteadyStateRPS()
	if rps != 1 || n != 3 {
		t.Errorf("SteadyStateRPS() = %v, %d, want 1, 3", rps, n)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in       string
		wantBase string
		wantTags map[string]string
	}{
		{"http_reqs", "http_reqs", nil},
		{"checks{check:team created}", "checks", map[string]string{"check": "team created"}},
		{"http_req_duration{step:create_pr}", "http_req_duration", map[string]string{"step": "create_pr"}},
		{"broken{step", "broken{step", nil},
	}
	for _, tt := range tests {
		base, tags := ParseName(tt.in)
		if base != tt.wantBase {
			t.Errorf("ParseName(%q) base = %q, want %q", tt.in, base, tt.wantBase)
		}
		if len(tags) != len(tt.wantTags) {
			t.Errorf("ParseName(%q) tags = %v, want %v", tt.in, tags, tt.wantTags)
			continue
		}
		for k, v := range tt.wantTags {
			if tags[k] != v {
				t.Errorf("ParseName(%q) tag %s = %q, want %q", tt.in, k, tags[k], v)
			}
		}
	}
}

func TestCollectorCountingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent records are all counted", prop.ForAll(
		func(workers, perWorker int) bool {
			c := NewCollector()
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						_ = c.AddRate(Checks, i%2 == 0, map[string]string{"check": "x"})
					}
				}()
			}
			wg.Wait()

			s, _ := c.Summarize(Checks)
			sub, _ := c.Summarize("checks{check:x}")
			want := int64(workers * perWorker)
			return s.Count == want && sub.Count == want && s.Passes+s.Fails == want
		},
		gen.IntRange(1, 16),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
