package mission

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/probe"
)

// DefaultKind is the single-flight key of missions that name none.
const DefaultKind = "default"

// Explain is the teach-mode narration attached to a step.
type Explain struct {
	Goal      string   `json:"goal,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	Tradeoffs []string `json:"tradeoffs,omitempty"`
	Checklist []string `json:"checklist,omitempty"`
}

// Step is one tool invocation of a mission.
type Step struct {
	ID      string         `json:"id"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Explain *Explain       `json:"explain,omitempty"`
	Verify  []probe.Probe  `json:"verify,omitempty"`
}

// Mission is an ordered list of steps with a goal and acceptance criteria.
type Mission struct {
	ID            string   `json:"id,omitempty"`
	Mission       string   `json:"mission"`
	Kind          string   `json:"kind,omitempty"`
	SchemaVersion string   `json:"schema_version,omitempty"`
	Steps         []Step   `json:"steps"`
	Acceptance    []string `json:"acceptance,omitempty"`
}

// KindOrDefault returns the single-flight key.
func (m Mission) KindOrDefault() string {
	if m.Kind == "" {
		return DefaultKind
	}
	return m.Kind
}

// ToolResult is the tool contract's reply.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Diff    string `json:"diff,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ToolExecutor executes a named tool.
type ToolExecutor interface {
	Execute(ctx context.Context, tool string, args map[string]any) (ToolResult, error)
}

// FailureReport is handed to the reflection collaborator.
type FailureReport struct {
	RunID   string        `json:"run_id"`
	Mission Mission       `json:"mission"`
	Step    Step          `json:"step"`
	Kind    fault.Kind    `json:"kind"`
	Error   string        `json:"error"`
	Probes  *probe.Report `json:"probes,omitempty"`
	Depth   int           `json:"depth"`
}

// Analysis is the reflection collaborator's answer. A nil Remediation
// means no fix is available.
type Analysis struct {
	RootCause     string   `json:"root_cause"`
	ProposedFixes []string `json:"proposed_fixes,omitempty"`
	Remediation   *Mission `json:"remediation,omitempty"`
}

// Reflector analyzes failed steps.
type Reflector interface {
	AnalyzeFailure(ctx context.Context, report FailureReport) (Analysis, error)
}

// NoReflection is the disabled reflector: it never proposes a fix.
type NoReflection struct{}

func (NoReflection) AnalyzeFailure(_ context.Context, r FailureReport) (Analysis, error) {
	return Analysis{RootCause: r.Error}, nil
}

// Status is the outcome of a step or run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusHalted    Status = "halted"
)

// StepResult records one step.
type StepResult struct {
	StepID    string        `json:"step_id"`
	Tool      string        `json:"tool"`
	Status    Status        `json:"status"`
	Kind      fault.Kind    `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Output    any           `json:"output,omitempty"`
	Diff      string        `json:"diff,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	Probes    *probe.Report `json:"probes,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
}

// Result records one run. Remediation chains the run resubmitted after a
// failure.
type Result struct {
	RunID       string       `json:"run_id"`
	MissionID   string       `json:"mission_id"`
	Mission     string       `json:"mission"`
	Kind        string       `json:"kind"`
	Status      Status       `json:"status"`
	Depth       int          `json:"depth"`
	TraceID     string       `json:"trace_id,omitempty"`
	Steps       []StepResult `json:"steps"`
	Acceptance  []string     `json:"acceptance,omitempty"`
	Analysis    *Analysis    `json:"analysis,omitempty"`
	Remediation *Result      `json:"remediation,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
}

// Final follows the remediation chain to the last run.
func (r *Result) Final() *Result {
	for r.Remediation != nil {
		r = r.Remediation
	}
	return r
}
