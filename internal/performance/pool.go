package performance

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// PoolConfig configures a VUPool.
type PoolConfig struct {
	// Iteration is executed by every VU in a loop
	Iteration Iteration

	// Collector receives iteration and VU count metrics
	Collector *metrics.Collector

	// Pacing between iterations
	Pacing Pacing

	// Budget caps the total iterations (nil = unlimited)
	Budget *IterationBudget

	// Logger for lifecycle events (nil = no logging)
	Logger *zap.Logger
}

// VUPool owns the running Virtual Users.
//
// The pool holds its own context, independent of the caller's. Cancelling it
// through HardStop aborts in-flight iterations; RequestStop on a single VU only
// prevents its next iteration.
//
// # Thread Safety
//
// ScaleTo, StopAll and VU self-exit serialize on one mutex, so the active count
// stays consistent when a VU exits on its own while a tick retires VUs.
type VUPool struct {
	cfg    PoolConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	vus     map[int]*VirtualUser
	closed  bool
	nextID  int
	active  atomic.Int32
	maxSeen atomic.Int32

	running atomic.Int32
	wg      sync.WaitGroup
}

// NewVUPool creates an empty pool.
func NewVUPool(cfg PoolConfig) *VUPool {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collector == nil {
		cfg.Collector = metrics.NewCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &VUPool{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		vus:    make(map[int]*VirtualUser),
	}
}

// Active returns the number of VUs that have not been retired.
func (p *VUPool) Active() int {
	return int(p.active.Load())
}

// Running returns the number of VU goroutines still alive, including
// retired VUs finishing their last iteration.
func (p *VUPool) Running() int {
	return int(p.running.Load())
}

// MaxActive returns the highest active count seen.
func (p *VUPool) MaxActive() int {
	return int(p.maxSeen.Load())
}

// Exhausted reports whether the iteration budget is used up.
func (p *VUPool) Exhausted() bool {
	return p.cfg.Budget.Exhausted()
}

// ScaleTo spawns or retires VUs until target are active. Retired VUs finish
// their current iteration and exit. Once the iteration budget is exhausted
// or the pool is stopped, no VUs are spawned. It returns the active count.
func (p *VUPool) ScaleTo(target int) int {
	if target < 0 {
		target = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := int(p.active.Load())
	switch {
	case target > current:
		if p.closed || p.cfg.Budget.Exhausted() {
			break
		}
		for i := current; i < target; i++ {
			p.spawnLocked()
		}
		p.logger.Debug("scaled up", zap.Int("from", current), zap.Int("to", target))
	case target < current:
		excess := current - target
		for id, vu := range p.vus {
			if excess == 0 {
				break
			}
			p.retireLocked(id, vu)
			excess--
		}
		p.logger.Debug("scaled down", zap.Int("from", current), zap.Int("to", target))
	}

	active := int(p.active.Load())
	p.recordActive(active)
	return active
}

func (p *VUPool) spawnLocked() {
	p.nextID++
	vu := NewVirtualUser(p.nextID)
	p.vus[vu.ID] = vu

	n := p.active.Add(1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	p.running.Add(1)
	p.wg.Add(1)
	go p.runVU(vu)
}

func (p *VUPool) retireLocked(id int, vu *VirtualUser) {
	vu.RequestStop()
	delete(p.vus, id)
	p.active.Add(-1)
}

// selfExit removes a VU that left its loop on its own, unless a tick
// already retired it.
func (p *VUPool) selfExit(vu *VirtualUser) {
	p.mu.Lock()
	if _, ok := p.vus[vu.ID]; ok {
		delete(p.vus, vu.ID)
		p.active.Add(-1)
	}
	active := int(p.active.Load())
	p.mu.Unlock()

	p.recordActive(active)
}

func (p *VUPool) recordActive(active int) {
	_ = p.cfg.Collector.SetGauge(metrics.VUs, float64(active), nil)
	_ = p.cfg.Collector.SetGauge(metrics.VUsMax, float64(p.maxSeen.Load()), nil)
}

// StopAll retires every VU and refuses further spawns. In-flight iterations
// keep running until they finish or HardStop is called.
func (p *VUPool) StopAll() {
	p.mu.Lock()
	p.closed = true
	for id, vu := range p.vus {
		p.retireLocked(id, vu)
	}
	p.mu.Unlock()

	p.recordActive(0)
}

// Wait blocks until every VU goroutine has exited or timeout elapses.
// It returns true if all exited.
func (p *VUPool) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// HardStop cancels in-flight iterations and waits for every VU to exit.
func (p *VUPool) HardStop() {
	p.cancel()
	p.wg.Wait()
}

// runVU is the VU loop: acquire budget, iterate, pace, check stop.
func (p *VUPool) runVU(vu *VirtualUser) {
	defer p.wg.Done()
	defer p.running.Add(-1)
	defer vu.MarkStopped()
	defer p.selfExit(vu)

	for {
		if vu.StopRequested() || p.ctx.Err() != nil {
			return
		}
		if !p.cfg.Budget.Acquire() {
			p.logger.Debug("iteration budget exhausted", zap.Int("vu", vu.ID))
			return
		}

		start := time.Now()
		iter := vu.beginIteration()
		err := p.runIteration(vu)
		vu.endIteration()

		if p.ctx.Err() != nil {
			// abandoned: nothing is recorded for it
			return
		}
		if err != nil {
			p.logger.Debug("iteration failed",
				zap.Int("vu", vu.ID),
				zap.Int64("iteration", iter),
				zap.Error(err))
		}

		_ = p.cfg.Collector.AddCounter(metrics.Iterations, 1, nil)
		_ = p.cfg.Collector.AddTrend(metrics.IterationDuration, float64(time.Since(start))/float64(time.Millisecond), nil)

		if !p.cfg.Pacing.Wait(p.ctx, vu.Stopping()) {
			return
		}
	}
}

func (p *VUPool) runIteration(vu *VirtualUser) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("iteration panicked",
				zap.Int("vu", vu.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("iteration panicked: %v", r)
		}
	}()
	return p.cfg.Iteration.RunIteration(p.ctx, vu)
}
