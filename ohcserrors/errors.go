// Package ohcserrors defines the engine's typed error taxonomy (§7 of the
// spec): ConfigurationError, CompilationError (with subkind), IOError,
// ExecutionError, and ResourceError. All are represented by one structured
// type classified by Kind (+ Subkind for compilation errors), matching the
// teacher's errors.ProcessingError shape.
package ohcserrors

import (
	"errors"
	"fmt"
)

// Kind is the top-level error taxonomy.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindCompilation   Kind = "compilation"
	KindIO            Kind = "io"
	KindExecution     Kind = "execution"
	KindResource      Kind = "resource"
)

// CompilationSubkind further classifies a CompilationError.
type CompilationSubkind string

const (
	SubkindPathPlanning    CompilationSubkind = "path_planning"
	SubkindArchive         CompilationSubkind = "archive"
	SubkindMaterialization CompilationSubkind = "materialization"
	SubkindMemoryContract  CompilationSubkind = "memory_contract"
	SubkindGPUAssignment   CompilationSubkind = "gpu_assignment"
)

// EngineError is the structured error type used throughout the module.
type EngineError struct {
	Kind      Kind
	Subkind   CompilationSubkind // only meaningful when Kind == KindCompilation
	Op        string             // operation name, e.g. "compile.phase1"
	WellID    string             // empty when not well-scoped
	StepUID   string             // empty when not step-scoped
	Backend   string             // empty when not backend-scoped
	Path      string             // empty when not path-scoped
	Err       error
	Retryable bool
}

func (e *EngineError) Error() string {
	scope := e.Op
	if e.WellID != "" {
		scope = fmt.Sprintf("%s well=%s", scope, e.WellID)
	}
	if e.StepUID != "" {
		scope = fmt.Sprintf("%s step=%s", scope, e.StepUID)
	}
	if e.Backend != "" || e.Path != "" {
		scope = fmt.Sprintf("%s backend=%s path=%s", scope, e.Backend, e.Path)
	}
	if e.Kind == KindCompilation && e.Subkind != "" {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Kind, e.Subkind, scope, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, scope, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New creates a non-retryable EngineError.
func New(kind Kind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

// Configuration creates a ConfigurationError.
func Configuration(op string, err error) *EngineError {
	return New(KindConfiguration, op, err)
}

// Compilation creates a CompilationError scoped to a well and step.
func Compilation(subkind CompilationSubkind, op, wellID, stepUID string, err error) *EngineError {
	return &EngineError{Kind: KindCompilation, Subkind: subkind, Op: op, WellID: wellID, StepUID: stepUID, Err: err}
}

// IO creates an IOError scoped to a backend operation.
func IO(op, backend, path string, err error, retryable bool) *EngineError {
	return &EngineError{Kind: KindIO, Op: op, Backend: backend, Path: path, Err: err, Retryable: retryable}
}

// Execution creates an ExecutionError scoped to a well/step.
func Execution(op, wellID, stepUID string, err error) *EngineError {
	return &EngineError{Kind: KindExecution, Op: op, WellID: wellID, StepUID: stepUID, Err: err}
}

// Resource creates a ResourceError.
func Resource(op string, err error) *EngineError {
	return &EngineError{Kind: KindResource, Op: op, Err: err}
}

// Wrap wraps an existing error with an EngineError of the given kind, or
// returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return New(kind, op, err)
}

// IsRetryable reports whether err represents a transient, retryable failure.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// IsKind reports whether err belongs to the given top-level kind.
func IsKind(err error, kind Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// Sentinel errors for common failure modes named by the spec.
var (
	ErrNoPatterns          = errors.New("no patterns discovered for well")
	ErrEmptyPattern        = errors.New("pattern has no files")
	ErrDuplicateComponents = errors.New("duplicate component tuple in pattern")
	ErrNoConverterPath     = errors.New("no converter path between memory types")
	ErrMissingSpecialInput = errors.New("special input not produced by any prior step")
	ErrUnknownFunction     = errors.New("unknown registered function name")
	ErrNoWritableBackend   = errors.New("no writable backend available for materialization")
	ErrGPUUnavailable      = errors.New("gpu memory type required but no device available")
	ErrUnmatchedGroupKey   = errors.New("group_by value has no matching dict entry")
	ErrWorkerPoolShutdown  = errors.New("worker pool is shutting down")
	ErrSlotRefused         = errors.New("gpu slot refused")
	ErrCanceled            = errors.New("run canceled")
)
