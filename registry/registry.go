// Package registry is the engine's function catalog: every processing
// function must be registered with explicit metadata (input/output memory
// type, special inputs/outputs, chain-breaker/CPU-only flags) before it is
// callable from a step — there is no reflective discovery (§4.1).
package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// FunctionRegistry is a thread-safe implementation of core.Registry,
// adapted from the teacher's DefaultRegistry (decoder/encoder maps) to a
// single name-keyed function catalog.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]core.FunctionRecord

	// cpuOnly, when true, rejects registration of any record whose
	// InputMemory or OutputMemory is core.MemoryGPU. Set from the
	// OPENHCS_CPU_ONLY environment variable at Initialize time, mirroring
	// environments with no GPU runtime available.
	cpuOnly bool
}

// New returns an empty FunctionRegistry.
func New() *FunctionRegistry {
	return &FunctionRegistry{functions: make(map[string]core.FunctionRecord)}
}

// Initialize reads process environment to decide whether GPU-memory
// functions may be registered (OPENHCS_CPU_ONLY=1 forbids them). It
// registers no functions itself: every function, including any the caller
// treats as built-in, is added through Register.
func (r *FunctionRegistry) Initialize() error {
	r.mu.Lock()
	r.cpuOnly = os.Getenv("OPENHCS_CPU_ONLY") == "1"
	r.mu.Unlock()
	return nil
}

// Register adds a new function record. Re-registering an existing name
// replaces it atomically: the old record stays visible to concurrent
// readers until the new one is fully validated and swapped in.
func (r *FunctionRegistry) Register(rec core.FunctionRecord) error {
	if rec.Name == "" {
		return ohcserrors.Configuration("registry.register", fmt.Errorf("function record has empty name"))
	}
	if rec.Call == nil {
		return ohcserrors.Configuration("registry.register", fmt.Errorf("function %q has no Call implementation", rec.Name))
	}

	r.mu.RLock()
	cpuOnly := r.cpuOnly
	r.mu.RUnlock()

	if cpuOnly && (rec.InputMemory == core.MemoryGPU || rec.OutputMemory == core.MemoryGPU) {
		return ohcserrors.Configuration("registry.register",
			fmt.Errorf("function %q requires GPU memory but registry is running CPU-only", rec.Name))
	}

	r.mu.Lock()
	r.functions[rec.Name] = rec
	r.mu.Unlock()
	return nil
}

// Remove deletes a registered function by name. Removing an unknown name is
// a no-op, matching the idempotent-unregister shape of the teacher's
// registry accessors.
func (r *FunctionRegistry) Remove(name string) {
	r.mu.Lock()
	delete(r.functions, name)
	r.mu.Unlock()
}

// Get returns the named function's record.
func (r *FunctionRegistry) Get(name string) (core.FunctionRecord, bool) {
	r.mu.RLock()
	rec, ok := r.functions[name]
	r.mu.RUnlock()
	return rec, ok
}

// List returns every registered record in no particular order.
func (r *FunctionRegistry) List() []core.FunctionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.FunctionRecord, 0, len(r.functions))
	for _, rec := range r.functions {
		out = append(out, rec)
	}
	return out
}

var _ core.Registry = (*FunctionRegistry)(nil)
