package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// PrometheusObserver exposes collector samples on a scrape endpoint. Each
// observer owns its registry, so several runs in one process do not collide.
type PrometheusObserver struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	checks    *prometheus.CounterVec
	transport prometheus.Counter
	vus       prometheus.Gauge
	cpu       prometheus.Gauge
	mem       prometheus.Gauge

	logger *zap.Logger

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

// NewPrometheusObserver registers the reviewload collectors under namespace.
func NewPrometheusObserver(namespace string, logger *zap.Logger) *PrometheusObserver {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &PrometheusObserver{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests sent to the target",
		}, []string{"step"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_failures_total",
			Help:      "Requests that failed their check or got no response",
		}, []string{"step"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of requests that received a response",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"step"}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Check outcomes by name",
		}, []string{"check", "result"}),
		transport: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Requests that never received a response",
		}),
		vus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vus",
			Help:      "Active virtual users",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generator_cpu_percent",
			Help:      "Load generator CPU usage",
		}),
		mem: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generator_mem_percent",
			Help:      "Load generator memory usage",
		}),
		logger: logger,
	}

	p.registry.MustRegister(p.requests, p.failures, p.duration, p.checks, p.transport, p.vus, p.cpu, p.mem)
	return p
}

// Observe implements metrics.Observer.
func (p *PrometheusObserver) Observe(name string, _ metrics.Type, s metrics.Sample) {
	switch name {
	case metrics.HTTPReqs:
		p.requests.WithLabelValues(s.Tags["step"]).Add(s.Value)
	case metrics.HTTPReqFailed:
		if s.Value != 0 {
			p.failures.WithLabelValues(s.Tags["step"]).Inc()
		}
	case metrics.HTTPReqDuration:
		p.duration.WithLabelValues(s.Tags["step"]).Observe(s.Value / 1000)
	case metrics.Checks:
		result := "pass"
		if s.Value == 0 {
			result = "fail"
		}
		p.checks.WithLabelValues(s.Tags["check"], result).Inc()
	case metrics.TransportErrors:
		p.transport.Add(s.Value)
	case metrics.VUs:
		p.vus.Set(s.Value)
	case metrics.GeneratorCPU:
		p.cpu.Set(s.Value)
	case metrics.GeneratorMemory:
		p.mem.Set(s.Value)
	}
}

// Handler returns the scrape handler for this observer's registry.
func (p *PrometheusObserver) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on listen in the background.
func (p *PrometheusObserver) Start(listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.mu.Lock()
	p.server = srv
	p.addr = ln.Addr()
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	p.logger.Info("serving prometheus metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (p *PrometheusObserver) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Shutdown stops the scrape endpoint.
func (p *PrometheusObserver) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
