package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is one interval of the run timeline.
type Bucket struct {
	Timestamp        time.Time     `json:"timestamp"`
	Elapsed          time.Duration `json:"elapsed"`
	IntervalRequests int64         `json:"intervalRequests"`
	IntervalFailures int64         `json:"intervalFailures"`
	IntervalRPS      float64       `json:"intervalRps"`
	ErrorRate        float64       `json:"errorRate"`
	TotalRequests    int64         `json:"totalRequests"`
	LatencyP95       float64       `json:"latencyP95Ms"`
	ActiveVUs        int           `json:"activeVUs"`
	Phase            Phase         `json:"phase"`
}

// Timeline keeps interval buckets in a ring buffer.
//
// Request and failure counts accumulate lock-free between flushes; Flush
// closes the current interval and appends it. Once the buffer is full the
// oldest buckets are overwritten.
type Timeline struct {
	mu        sync.RWMutex
	buckets   []Bucket
	head      int
	count     int
	lastFlush time.Time
	start     time.Time

	requests atomic.Int64
	failures atomic.Int64
	total    atomic.Int64
}

// NewTimeline creates a timeline retaining at most maxBuckets intervals.
func NewTimeline(maxBuckets int, start time.Time) *Timeline {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}
	return &Timeline{
		buckets:   make([]Bucket, maxBuckets),
		lastFlush: start,
		start:     start,
	}
}

func (tl *Timeline) recordRequest() {
	tl.requests.Add(1)
	tl.total.Add(1)
}

func (tl *Timeline) recordFailure() {
	tl.failures.Add(1)
}

// Flush closes the current interval.
func (tl *Timeline) Flush(now time.Time, p95 float64, activeVUs int, phase Phase) Bucket {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	reqs := tl.requests.Swap(0)
	fails := tl.failures.Swap(0)

	interval := now.Sub(tl.lastFlush).Seconds()
	if interval <= 0 {
		interval = 1
	}

	b := Bucket{
		Timestamp:        now,
		Elapsed:          now.Sub(tl.start),
		IntervalRequests: reqs,
		IntervalFailures: fails,
		IntervalRPS:      float64(reqs) / interval,
		TotalRequests:    tl.total.Load(),
		LatencyP95:       p95,
		ActiveVUs:        activeVUs,
		Phase:            phase,
	}
	if reqs > 0 {
		b.ErrorRate = float64(fails) / float64(reqs)
	}

	tl.buckets[tl.head] = b
	tl.head = (tl.head + 1) % len(tl.buckets)
	if tl.count < len(tl.buckets) {
		tl.count++
	}
	tl.lastFlush = now
	return b
}

// Buckets returns all retained buckets in chronological order.
func (tl *Timeline) Buckets() []Bucket {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	if tl.count == 0 {
		return nil
	}

	out := make([]Bucket, tl.count)
	first := 0
	if tl.count == len(tl.buckets) {
		first = tl.head
	}
	for i := 0; i < tl.count; i++ {
		out[i] = tl.buckets[(first+i)%len(tl.buckets)]
	}
	return out
}

// Latest returns the most recent bucket.
func (tl *Timeline) Latest() (Bucket, bool) {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	if tl.count == 0 {
		return Bucket{}, false
	}
	return tl.buckets[(tl.head-1+len(tl.buckets))%len(tl.buckets)], true
}

// SteadyStateRPS averages interval RPS over the buckets flushed in the steady phase.
func (tl *Timeline) SteadyStateRPS() (float64, int) {
	var sum float64
	n := 0
	for _, b := range tl.Buckets() {
		if b.Phase == PhaseSteady {
			sum += b.IntervalRPS
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
