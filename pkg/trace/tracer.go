// Package trace records what happened during a task: steps, handoffs, tool
// calls, artifacts, approvals and errors. Records are fed by direct calls
// and by bus events carrying a trace_id.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/nightorder/pkg/canonicalize"
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
)

// DefaultArchiveSize bounds the in-memory archive.
const DefaultArchiveSize = 100

// ErrTraceNotFound is returned for ids that are not active.
var ErrTraceNotFound = errors.New("trace not found")

// ArchiveStore persists finished records.
type ArchiveStore interface {
	Save(ctx context.Context, rec *Record) error
}

// Config configures a Tracer.
type Config struct {
	Bus         *eventbus.Bus
	ArchiveSize int
	Store       ArchiveStore
	// OTel is the span tracer. Defaults to the global provider.
	OTel   oteltrace.Tracer
	Logger *slog.Logger
}

type active struct {
	rec  *Record
	span oteltrace.Span
}

// Tracer owns the active traces and the archive.
type Tracer struct {
	mu      sync.Mutex
	active  map[string]*active
	archive []*Record
	maxArch int

	bus        *eventbus.Bus
	listenerID string
	store      ArchiveStore
	otel       oteltrace.Tracer
	logger     *slog.Logger
	clock      func() time.Time
}

// New creates a tracer and subscribes it to the bus, if any.
func New(cfg Config) *Tracer {
	t := &Tracer{
		active:  make(map[string]*active),
		maxArch: cfg.ArchiveSize,
		bus:     cfg.Bus,
		store:   cfg.Store,
		otel:    cfg.OTel,
		logger:  cfg.Logger,
		clock:   time.Now,
	}
	if t.maxArch <= 0 {
		t.maxArch = DefaultArchiveSize
	}
	if t.otel == nil {
		t.otel = otel.Tracer("nightorder/trace")
	}
	if t.logger == nil {
		t.logger = slog.Default().With("component", "trace")
	}
	if t.bus != nil {
		t.listenerID = t.bus.On(nil, t.fold)
	}
	return t
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracer) WithClock(clock func() time.Time) *Tracer {
	t.clock = clock
	return t
}

// Close detaches the tracer from the bus.
func (t *Tracer) Close() {
	if t.bus != nil && t.listenerID != "" {
		t.bus.Off(t.listenerID)
	}
}

// StartTrace opens a record for agent working on task.
func (t *Tracer) StartTrace(ctx context.Context, agent, task string) string {
	id := uuid.NewString()
	_, span := t.otel.Start(ctx, "trace "+agent,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.String("nightorder.trace_id", id),
			attribute.String("nightorder.agent", agent),
			attribute.String("nightorder.task", task),
		),
	)
	rec := &Record{
		ID:        id,
		Agent:     agent,
		Task:      task,
		Status:    StatusActive,
		StartTime: t.clock(),
	}
	t.mu.Lock()
	t.active[id] = &active{rec: rec, span: span}
	t.mu.Unlock()

	t.publish(eventbus.TraceStart, map[string]any{"trace_id": id, "agent": agent, "task": task})
	return id
}

func (t *Tracer) with(id string, fn func(r *Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTraceNotFound, id)
	}
	fn(a.rec)
	return nil
}

// RecordStep appends a step.
func (t *Tracer) RecordStep(id, name, status string, details map[string]any) error {
	return t.with(id, func(r *Record) {
		r.Steps = append(r.Steps, Step{Name: name, Status: status, Timestamp: t.clock(), Details: details})
	})
}

// RecordHandoff appends a handoff.
func (t *Tracer) RecordHandoff(id, from, to string, success bool, data map[string]any) error {
	return t.with(id, func(r *Record) {
		r.Handoffs = append(r.Handoffs, Handoff{From: from, To: to, Success: success, Timestamp: t.clock(), Data: data})
	})
}

// RecordToolCall appends a tool call.
func (t *Tracer) RecordToolCall(id, tool string, args map[string]any, success bool, summary string) error {
	return t.with(id, func(r *Record) {
		r.ToolCalls = append(r.ToolCalls, ToolCall{Tool: tool, Args: args, Success: success, Summary: summary, Timestamp: t.clock()})
	})
}

// RecordArtifact appends an artifact.
func (t *Tracer) RecordArtifact(id, path, kind string) error {
	return t.with(id, func(r *Record) {
		r.Artifacts = append(r.Artifacts, Artifact{Path: path, Kind: kind, Timestamp: t.clock()})
	})
}

// RecordApproval appends an approval outcome.
func (t *Tracer) RecordApproval(id string, a Approval) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = t.clock()
	}
	return t.with(id, func(r *Record) {
		r.Approvals = append(r.Approvals, a)
	})
}

// RecordError appends an error.
func (t *Tracer) RecordError(id, kind, message string) error {
	err := t.with(id, func(r *Record) {
		r.Errors = append(r.Errors, ErrorEntry{Kind: kind, Message: message, Timestamp: t.clock()})
	})
	if err == nil {
		t.mu.Lock()
		if a, ok := t.active[id]; ok {
			a.span.AddEvent("error", oteltrace.WithAttributes(attribute.String("error.kind", kind)))
		}
		t.mu.Unlock()
	}
	return err
}

// EndTrace finalizes a record, archives it and returns it.
func (t *Tracer) EndTrace(ctx context.Context, id, status string) (*Record, error) {
	t.mu.Lock()
	a, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTraceNotFound, id)
	}
	delete(t.active, id)
	rec := a.rec
	rec.Status = status
	rec.EndTime = t.clock()
	rec.computeMetrics()
	t.mu.Unlock()

	hash, err := canonicalize.CanonicalHash(rec)
	if err != nil {
		t.logger.Warn("trace hash failed", "trace_id", id, "error", err)
	} else {
		rec.ContentHash = hash
	}

	a.span.SetAttributes(
		attribute.String("nightorder.status", status),
		attribute.Int("nightorder.steps", rec.Metrics.StepCount),
		attribute.Int("nightorder.errors", rec.Metrics.ErrorCount),
	)
	if status == StatusFailed {
		a.span.SetStatus(codes.Error, "trace failed")
	} else {
		a.span.SetStatus(codes.Ok, "")
	}
	a.span.End()

	t.mu.Lock()
	t.archive = append(t.archive, rec)
	if over := len(t.archive) - t.maxArch; over > 0 {
		t.archive = append([]*Record(nil), t.archive[over:]...)
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Save(ctx, rec); err != nil {
			t.logger.Error("trace archive write failed", "trace_id", id, "error", err)
		}
	}

	t.publish(eventbus.TraceEnd, map[string]any{
		"trace_id":     id,
		"status":       status,
		"duration_ms":  rec.Metrics.DurationMS,
		"success_rate": rec.Metrics.SuccessRate,
	})
	return rec.clone(), nil
}

// Active returns a snapshot of an active record.
func (t *Tracer) Active(id string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.active[id]
	if !ok {
		return nil, false
	}
	return a.rec.clone(), true
}

// Archive returns finished records, oldest first.
func (t *Tracer) Archive() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Record, len(t.archive))
	for i, r := range t.archive {
		out[i] = r.clone()
	}
	return out
}

func (t *Tracer) publish(typ eventbus.Type, payload map[string]any) {
	if t.bus != nil {
		t.bus.Publish(typ, "trace", payload)
	}
}
