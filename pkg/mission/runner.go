// Package mission drives missions step by step through narration, policy,
// approval, execution and verification.
//
// Runs of the same mission kind are single-flight: a second run of a kind
// waits until the first releases it. Steps within a run are strictly
// sequential.
package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/Mindburn-Labs/nightorder/pkg/approval"
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/observability"
	"github.com/Mindburn-Labs/nightorder/pkg/policy"
	"github.com/Mindburn-Labs/nightorder/pkg/probe"
	"github.com/Mindburn-Labs/nightorder/pkg/trace"
)

// DefaultMaxRemediations bounds the remediation chain of one mission.
const DefaultMaxRemediations = 2

const source = "mission"

// DefaultMutatingTools are the tools gated by policy and approval.
var DefaultMutatingTools = []string{
	"write_file", "append_file", "delete_file", "move_file", "make_dir", "run_command", "apply_patch",
}

// ErrHalted is returned when a run was stopped with Halt.
var ErrHalted = errors.New("mission halted")

// OperationTracker wraps runs and steps in RED metrics and spans.
type OperationTracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Config configures a Runner. Tools is required; every other collaborator
// is optional.
type Config struct {
	Tools     ToolExecutor
	Policy    *policy.Engine
	Approvals *approval.Gate
	Probes    *probe.Matrix
	Reflector Reflector
	Bus       *eventbus.Bus
	Tracer    *trace.Tracer
	Tracker   OperationTracker

	// Narration publishes NARRATION_* events for steps that carry an explain
	// block.
	Narration bool
	// AutoFix applies policy auto-fixes to mutating commands before
	// enforcement.
	AutoFix bool
	// Bypass is forwarded to approval requests. CRITICAL policy
	// enforcement still applies.
	Bypass          bool
	MaxRemediations int
	MutatingTools   []string
	// Context is merged into every policy input.
	Context policy.Context
	Logger  *slog.Logger
}

type run struct {
	id      string
	kind    string
	mission string
	halted  atomic.Bool
}

// RunInfo describes an active run.
type RunInfo struct {
	RunID   string `json:"run_id"`
	Kind    string `json:"kind"`
	Mission string `json:"mission"`
}

// Runner executes missions.
type Runner struct {
	cfg      Config
	mutating map[string]bool
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	kinds map[string]*semaphore.Weighted
	runs  map[string]*run
}

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("mission runner: tool executor is required")
	}
	if cfg.Reflector == nil {
		cfg.Reflector = NoReflection{}
	}
	if cfg.MaxRemediations <= 0 {
		cfg.MaxRemediations = DefaultMaxRemediations
	}
	if len(cfg.MutatingTools) == 0 {
		cfg.MutatingTools = DefaultMutatingTools
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:      cfg,
		mutating: make(map[string]bool, len(cfg.MutatingTools)),
		logger:   logger.With("component", "mission"),
		clock:    time.Now,
		kinds:    make(map[string]*semaphore.Weighted),
		runs:     make(map[string]*run),
	}
	for _, t := range cfg.MutatingTools {
		r.mutating[t] = true
	}
	return r, nil
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Halt stops a run before its next step. It reports whether the run was
// active.
func (r *Runner) Halt(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[runID]
	if ok {
		rn.halted.Store(true)
	}
	return ok
}

// Active lists runs currently holding their kind.
func (r *Runner) Active() []RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunInfo, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, RunInfo{RunID: rn.id, Kind: rn.kind, Mission: rn.mission})
	}
	return out
}

// ExecuteMission runs m and any remediation missions it produces. The
// returned result is never nil once the kind was acquired; an error is
// returned for CRITICAL policy violations, invalid tokens, halts and
// cancellation.
func (r *Runner) ExecuteMission(ctx context.Context, m Mission) (*Result, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var head, tail *Result
	next := &m
	for depth := 0; next != nil; depth++ {
		res, remediation, err := r.runOnce(ctx, *next, depth)
		if head == nil {
			head = res
		} else if res != nil {
			tail.Remediation = res
		}
		if res != nil {
			tail = res
		}
		if err != nil {
			return head, err
		}
		next = remediation
	}
	return head, nil
}

func (r *Runner) kindLock(kind string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.kinds[kind]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.kinds[kind] = sem
	}
	return sem
}

// runOnce executes one top-level run while holding its kind. It returns the
// remediation mission to resubmit, if any.
func (r *Runner) runOnce(ctx context.Context, m Mission, depth int) (res *Result, remediation *Mission, err error) {
	kind := m.KindOrDefault()
	sem := r.kindLock(kind)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("mission %q: waiting for kind %q: %w", m.Mission, kind, err)
	}
	defer sem.Release(1)

	rn := &run{id: uuid.NewString(), kind: kind, mission: m.Mission}
	r.mu.Lock()
	r.runs[rn.id] = rn
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.runs, rn.id)
		r.mu.Unlock()
	}()

	if r.cfg.Tracker != nil {
		var done func(error)
		ctx, done = r.cfg.Tracker.TrackOperation(ctx, "mission.run", observability.MissionOperation(kind, rn.id, depth)...)
		defer func() { done(err) }()
	}

	res = &Result{
		RunID:      rn.id,
		MissionID:  m.ID,
		Mission:    m.Mission,
		Kind:       kind,
		Depth:      depth,
		Acceptance: m.Acceptance,
		StartedAt:  r.clock(),
	}
	if r.cfg.Tracer != nil {
		res.TraceID = r.cfg.Tracer.StartTrace(ctx, "mission:"+kind, m.Mission)
	}
	x := &execution{runner: r, run: rn, mission: m, result: res}

	r.logger.Info("mission started", "run_id", rn.id, "mission", m.Mission, "kind", kind, "steps", len(m.Steps), "depth", depth)
	x.publish(eventbus.MissionStart, map[string]any{
		"mission": m.Mission,
		"kind":    kind,
		"steps":   len(m.Steps),
		"depth":   depth,
	})

	var failed *failure
	for _, step := range m.Steps {
		if rn.halted.Load() {
			err = fmt.Errorf("run %s: %w", rn.id, ErrHalted)
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		sr, f, stepErr := x.executeStep(ctx, step)
		res.Steps = append(res.Steps, sr)
		if stepErr != nil {
			err = stepErr
			break
		}
		if f != nil && f.kind.Reflectable() {
			failed = f
			break
		}
	}

	switch {
	case errors.Is(err, ErrHalted):
		res.Status = StatusHalted
	case err != nil || failed != nil:
		res.Status = StatusFailed
	default:
		res.Status = StatusCompleted
		for _, s := range res.Steps {
			if s.Status != StatusCompleted {
				res.Status = StatusFailed
				break
			}
		}
	}

	if failed != nil && err == nil {
		remediation = x.reflect(ctx, failed, depth)
	}

	res.EndedAt = r.clock()
	x.finish(ctx, err)
	return res, remediation, err
}

type failure struct {
	step   Step
	kind   fault.Kind
	err    string
	probes *probe.Report
}

// execution is the state of one run.
type execution struct {
	runner  *Runner
	run     *run
	mission Mission
	result  *Result
}

func (x *execution) publish(t eventbus.Type, payload map[string]any) {
	bus := x.runner.cfg.Bus
	if bus == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["run_id"] = x.run.id
	payload["mission_id"] = x.mission.ID
	if x.result.TraceID != "" {
		payload["trace_id"] = x.result.TraceID
	}
	bus.Publish(t, source, payload)
}

func (x *execution) finish(ctx context.Context, err error) {
	r := x.runner
	payload := map[string]any{
		"mission":  x.mission.Mission,
		"status":   string(x.result.Status),
		"steps":    len(x.result.Steps),
		"duration": x.result.EndedAt.Sub(x.result.StartedAt).String(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	x.publish(eventbus.MissionEnd, payload)

	if r.cfg.Tracer != nil && x.result.TraceID != "" {
		status := trace.StatusCompleted
		switch x.result.Status {
		case StatusHalted:
			status = trace.StatusHalted
		case StatusFailed:
			status = trace.StatusFailed
		}
		if _, terr := r.cfg.Tracer.EndTrace(ctx, x.result.TraceID, status); terr != nil {
			r.logger.Warn("end trace failed", "trace_id", x.result.TraceID, "error", terr)
		}
	}
	r.logger.Info("mission finished", "run_id", x.run.id, "status", x.result.Status)
}

func (x *execution) reflect(ctx context.Context, f *failure, depth int) *Mission {
	r := x.runner
	report := FailureReport{
		RunID:   x.run.id,
		Mission: x.mission,
		Step:    f.step,
		Kind:    f.kind,
		Error:   f.err,
		Probes:  f.probes,
		Depth:   depth,
	}
	analysis, err := r.cfg.Reflector.AnalyzeFailure(ctx, report)
	if err != nil {
		r.logger.Warn("reflection failed", "run_id", x.run.id, "step_id", f.step.ID, "error", err)
		x.publish(eventbus.Reflection, map[string]any{"step_id": f.step.ID, "error": err.Error()})
		return nil
	}
	x.result.Analysis = &analysis

	payload := map[string]any{
		"step_id":        f.step.ID,
		"kind":           string(f.kind),
		"root_cause":     analysis.RootCause,
		"proposed_fixes": analysis.ProposedFixes,
		"remediation":    analysis.Remediation != nil,
	}
	if len(analysis.ProposedFixes) > 0 {
		payload["message"] = fmt.Sprintf("this failed because %s, attempting fix: %s", analysis.RootCause, analysis.ProposedFixes[0])
	} else {
		payload["message"] = fmt.Sprintf("this failed because %s", analysis.RootCause)
	}
	x.publish(eventbus.Reflection, payload)

	if analysis.Remediation == nil {
		return nil
	}
	if depth+1 > r.cfg.MaxRemediations {
		r.logger.Warn("remediation depth exhausted", "run_id", x.run.id, "max", r.cfg.MaxRemediations)
		return nil
	}
	next := *analysis.Remediation
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.Kind == "" {
		next.Kind = x.mission.Kind
	}
	return &next
}
