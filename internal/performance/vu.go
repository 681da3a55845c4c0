// Package performance runs virtual users against a target service.
package performance

import (
	"context"
	"sync"
	"sync/atomic"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is between iterations.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is inside an iteration.
	VUStateRunning
	// VUStateStopping indicates the VU will exit after its current iteration.
	VUStateStopping
	// VUStateStopped indicates the VU goroutine has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Iteration is one pass of the scripted scenario.
//
// RunIteration must return promptly once ctx is cancelled. An error means the
// iteration did not complete; the VU logs it and keeps going unless ctx is done.
type Iteration interface {
	RunIteration(ctx context.Context, vu *VirtualUser) error
}

// IterationFunc adapts a function to the Iteration interface.
type IterationFunc func(ctx context.Context, vu *VirtualUser) error

// RunIteration calls f(ctx, vu).
func (f IterationFunc) RunIteration(ctx context.Context, vu *VirtualUser) error {
	return f(ctx, vu)
}

// VirtualUser represents a single simulated user executing iterations.
//
// Each VU has its own iteration counter, stop signal and correlation data.
// Correlation data (ids and values extracted from responses) only lives for
// one iteration and is cleared before the next one starts.
type VirtualUser struct {
	// ID is unique within a pool.
	ID int

	state     atomic.Int32
	iteration atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	data   map[string]any
	dataMu sync.RWMutex
}

// NewVirtualUser creates a new idle Virtual User.
func NewVirtualUser(id int) *VirtualUser {
	return &VirtualUser{
		ID:     id,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		data:   make(map[string]any),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the number of iterations started.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RequestStop asks the VU to exit after its current iteration.
// It is safe to call any number of times.
func (vu *VirtualUser) RequestStop() {
	vu.stopOnce.Do(func() {
		if vu.GetState() != VUStateStopped {
			vu.state.Store(int32(VUStateStopping))
		}
		close(vu.stopCh)
	})
}

// StopRequested reports whether RequestStop has been called.
func (vu *VirtualUser) StopRequested() bool {
	select {
	case <-vu.stopCh:
		return true
	default:
		return false
	}
}

// Stopping returns a channel closed when the VU is asked to stop.
func (vu *VirtualUser) Stopping() <-chan struct{} {
	return vu.stopCh
}

// Done returns a channel closed once the VU goroutine has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// MarkStopped marks the VU as fully stopped.
func (vu *VirtualUser) MarkStopped() {
	vu.state.Store(int32(VUStateStopped))
	vu.doneOnce.Do(func() { close(vu.doneCh) })
}

func (vu *VirtualUser) beginIteration() int64 {
	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	return vu.iteration.Add(1)
}

func (vu *VirtualUser) endIteration() {
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	vu.ResetData()
}

// SetData stores a correlation value for the current iteration.
func (vu *VirtualUser) SetData(key string, value any) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a correlation value.
func (vu *VirtualUser) GetData(key string) (any, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

// ResetData discards all correlation data.
func (vu *VirtualUser) ResetData() {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	clear(vu.data)
}
