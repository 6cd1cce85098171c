// Package gpuslot implements a process-wide counted GPU slot table: a fixed
// device set where each device admits at most max_concurrent_per_device
// simultaneous step executions (§4.7). Modeled on the atomic per-resource
// counter shape used by the batch GPU pipeline reference, applied here to
// slot admission instead of batch buffering.
package gpuslot

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/openhcs/enginego/ohcserrors"
)

// Table tracks in-use slot counts for a fixed set of devices.
type Table struct {
	maxPerDevice int64
	counts       map[int]*int64

	mu   sync.Mutex
	cond *sync.Cond
}

// NewTable creates a Table for the given device IDs, each admitting up to
// maxPerDevice concurrent holders.
func NewTable(devices []int, maxPerDevice int) *Table {
	if maxPerDevice <= 0 {
		maxPerDevice = 1
	}
	t := &Table{maxPerDevice: int64(maxPerDevice), counts: make(map[int]*int64, len(devices))}
	for _, d := range devices {
		var c int64
		t.counts[d] = &c
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Devices returns the configured device ID set in ascending order, so
// callers doing deterministic tie-breaking (e.g. the compiler's static GPU
// assignment) see a stable order across process runs.
func (t *Table) Devices() []int {
	out := make([]int, 0, len(t.counts))
	for d := range t.counts {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

// leastLoaded returns the device with the fewest in-use slots (the lowest
// device ID on a tie), or -1 if no device has a free slot.
func (t *Table) leastLoaded() int {
	best, bestLoad := -1, int64(-1)
	for _, d := range t.Devices() {
		load := atomic.LoadInt64(t.counts[d])
		if load >= t.maxPerDevice {
			continue
		}
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = d, load
		}
	}
	return best
}

// Acquire blocks until a device has a free slot, then reserves it and
// returns its ID. It returns early with a canceled-run error if ctx is
// canceled while waiting.
func (t *Table) Acquire(ctx context.Context) (int, error) {
	if len(t.counts) == 0 {
		return 0, ohcserrors.Resource("gpuslot.acquire", ohcserrors.ErrGPUUnavailable)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return 0, ohcserrors.Resource("gpuslot.acquire", ohcserrors.ErrCanceled)
		}
		dev := t.leastLoaded()
		if dev != -1 {
			atomic.AddInt64(t.counts[dev], 1)
			return dev, nil
		}
		t.cond.Wait()
	}
}

// AcquireDevice blocks until the named device has a free slot, then reserves
// it there. Unlike Acquire, the caller names the device rather than asking
// for the least-loaded one — used when a step's device was already bound
// statically at compile time (phase 5) and that binding must be honored
// rather than re-balanced against runtime load.
func (t *Table) AcquireDevice(ctx context.Context, device int) error {
	c, ok := t.counts[device]
	if !ok {
		return ohcserrors.Resource("gpuslot.acquire_device", ohcserrors.ErrGPUUnavailable)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return ohcserrors.Resource("gpuslot.acquire_device", ohcserrors.ErrCanceled)
		}
		if atomic.LoadInt64(c) < t.maxPerDevice {
			atomic.AddInt64(c, 1)
			return nil
		}
		t.cond.Wait()
	}
}

// Release frees one slot on device, waking any waiter blocked in Acquire.
func (t *Table) Release(device int) {
	c, ok := t.counts[device]
	if !ok {
		return
	}
	atomic.AddInt64(c, -1)
	t.mu.Lock()
	t.cond.Broadcast()
	t.mu.Unlock()
}

// InUse returns the current slot count for device, for tests and metrics.
func (t *Table) InUse(device int) int64 {
	c, ok := t.counts[device]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}
