// Package hooks provides production-ready core.Hook, core.Logger, and
// core.MetricsCollector implementations, adapted from the teacher's
// image-pipeline observers to the well/step vocabulary.
package hooks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openhcs/enginego/core"
)

// ── Structured logger adapter ─────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) { s.log.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...interface{})  { s.log.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...interface{})  { s.log.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...interface{}) { s.log.Error(msg, fields...) }

// ── Logging hook ──────────────────────────────────────────────────────────────

// LoggingHook logs before/after each compiled step's execution.
type LoggingHook struct {
	logger core.Logger
}

// NewLoggingHook creates a LoggingHook.
func NewLoggingHook(l core.Logger) *LoggingHook { return &LoggingHook{logger: l} }

func (h *LoggingHook) BeforeStep(_ context.Context, wellID, stepName string) {
	h.logger.Debug("step.start", "well", wellID, "step", stepName)
}

func (h *LoggingHook) AfterStep(_ context.Context, wellID, stepName string, d time.Duration, err error) {
	if err != nil {
		h.logger.Error("step.error", "well", wellID, "step", stepName, "duration_ms", d.Milliseconds(), "error", err.Error())
		return
	}
	h.logger.Debug("step.done", "well", wellID, "step", stepName, "duration_ms", d.Milliseconds())
}

// ── In-memory metrics collector ───────────────────────────────────────────────

// InMemoryMetrics accumulates metrics atomically; safe for concurrent use.
type InMemoryMetrics struct {
	mu sync.RWMutex

	stepDurationsMs map[string]int64 // cumulative ms per "well/step" key
	stepCalls       map[string]int64
	stepErrors      map[string]int64

	totalBytes int64
}

// NewInMemoryMetrics creates an empty metrics store.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		stepDurationsMs: make(map[string]int64),
		stepCalls:       make(map[string]int64),
		stepErrors:      make(map[string]int64),
	}
}

func key(wellID, stepName string) string { return wellID + "/" + stepName }

func (m *InMemoryMetrics) RecordStepDuration(wellID, stepName string, d time.Duration) {
	k := key(wellID, stepName)
	m.mu.Lock()
	m.stepDurationsMs[k] += d.Milliseconds()
	m.stepCalls[k]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordBytes(n int64) { atomic.AddInt64(&m.totalBytes, n) }

func (m *InMemoryMetrics) RecordError(wellID, stepName string) {
	k := key(wellID, stepName)
	m.mu.Lock()
	m.stepErrors[k]++
	m.mu.Unlock()
}

// Snapshot returns a copy of current metrics.
func (m *InMemoryMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		StepDurationsMs: make(map[string]int64, len(m.stepDurationsMs)),
		StepCalls:       make(map[string]int64, len(m.stepCalls)),
		StepErrors:      make(map[string]int64, len(m.stepErrors)),
		TotalBytes:      atomic.LoadInt64(&m.totalBytes),
	}
	for k, v := range m.stepDurationsMs {
		snap.StepDurationsMs[k] = v
	}
	for k, v := range m.stepCalls {
		snap.StepCalls[k] = v
	}
	for k, v := range m.stepErrors {
		snap.StepErrors[k] = v
	}
	return snap
}

// MetricsSnapshot is an immutable point-in-time copy of metrics.
type MetricsSnapshot struct {
	StepDurationsMs map[string]int64
	StepCalls       map[string]int64
	StepErrors      map[string]int64
	TotalBytes      int64
}

// ── Metrics hook ──────────────────────────────────────────────────────────────

// MetricsHook feeds execution events into a core.MetricsCollector.
type MetricsHook struct {
	collector core.MetricsCollector
}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook(c core.MetricsCollector) *MetricsHook { return &MetricsHook{collector: c} }

func (h *MetricsHook) BeforeStep(_ context.Context, _, _ string) {}

func (h *MetricsHook) AfterStep(_ context.Context, wellID, stepName string, d time.Duration, err error) {
	h.collector.RecordStepDuration(wellID, stepName, d)
	if err != nil {
		h.collector.RecordError(wellID, stepName)
	}
}
