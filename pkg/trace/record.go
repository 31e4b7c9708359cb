package trace

import "time"

// Status values for records and steps.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusHalted    = "halted"
)

// Step is one recorded unit of work.
type Step struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Handoff records control moving between agents.
type Handoff struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// ToolCall records one tool invocation.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Success   bool           `json:"success"`
	Summary   string         `json:"summary,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Artifact records a file produced or consumed.
type Artifact struct {
	Path      string    `json:"path"`
	Kind      string    `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Approval records an approval outcome.
type Approval struct {
	RequestID string    `json:"request_id,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEntry records a caught error.
type ErrorEntry struct {
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics summarize a finished record.
type Metrics struct {
	DurationMS    int64   `json:"duration_ms"`
	StepCount     int     `json:"step_count"`
	HandoffCount  int     `json:"handoff_count"`
	ToolCallCount int     `json:"tool_call_count"`
	ErrorCount    int     `json:"error_count"`
	SuccessRate   float64 `json:"success_rate"`
}

// Record is the trace of one top-level task.
type Record struct {
	ID          string       `json:"id"`
	Agent       string       `json:"agent"`
	Task        string       `json:"task"`
	Status      string       `json:"status"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time,omitempty"`
	Steps       []Step       `json:"steps"`
	Handoffs    []Handoff    `json:"handoffs"`
	ToolCalls   []ToolCall   `json:"tool_calls"`
	Artifacts   []Artifact   `json:"artifacts"`
	Approvals   []Approval   `json:"approvals"`
	Errors      []ErrorEntry `json:"errors"`
	Metrics     Metrics      `json:"metrics"`
	ContentHash string       `json:"content_hash,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Steps = append([]Step(nil), r.Steps...)
	cp.Handoffs = append([]Handoff(nil), r.Handoffs...)
	cp.ToolCalls = append([]ToolCall(nil), r.ToolCalls...)
	cp.Artifacts = append([]Artifact(nil), r.Artifacts...)
	cp.Approvals = append([]Approval(nil), r.Approvals...)
	cp.Errors = append([]ErrorEntry(nil), r.Errors...)
	return &cp
}

func (r *Record) computeMetrics() {
	m := Metrics{
		DurationMS:    r.EndTime.Sub(r.StartTime).Milliseconds(),
		StepCount:     len(r.Steps),
		HandoffCount:  len(r.Handoffs),
		ToolCallCount: len(r.ToolCalls),
		ErrorCount:    len(r.Errors),
	}
	switch {
	case len(r.Steps) > 0:
		ok := 0
		for _, s := range r.Steps {
			if s.Status == StatusCompleted {
				ok++
			}
		}
		m.SuccessRate = float64(ok) / float64(len(r.Steps))
	case r.Status == StatusCompleted:
		m.SuccessRate = 1
	}
	r.Metrics = m
}
