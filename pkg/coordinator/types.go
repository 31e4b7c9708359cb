package coordinator

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/nightorder/pkg/hierarchy"
)

// AgentStatus is the registry status of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentActive  AgentStatus = "active"
	AgentBlocked AgentStatus = "blocked"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Task is the unit of work handed to agent logic.
type Task struct {
	SessionID string         `json:"session_id"`
	Agent     string         `json:"agent"`
	TraceID   string         `json:"trace_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Result is what agent logic returns. A non-empty NextAgent requests an
// automatic handoff in ExecuteWithHandoffs.
type Result struct {
	Output      map[string]any `json:"output,omitempty"`
	NextAgent   string         `json:"next_agent,omitempty"`
	HandoffData map[string]any `json:"handoff_data,omitempty"`
	// Decisions are arbitrated per key against earlier decisions.
	Decisions map[string]any `json:"decisions,omitempty"`
}

// Logic runs one agent's unit of work.
type Logic interface {
	Run(ctx context.Context, task Task) (Result, error)
}

// LogicFunc adapts a function to Logic.
type LogicFunc func(ctx context.Context, task Task) (Result, error)

func (f LogicFunc) Run(ctx context.Context, task Task) (Result, error) { return f(ctx, task) }

// AgentConfig registers an agent.
type AgentConfig struct {
	Role string `json:"role" yaml:"role"`
	// HandoffTargets lists the agents this agent may hand off to.
	HandoffTargets []string `json:"handoff_targets" yaml:"handoff_targets"`
	// GatesRequired must all pass before work is handed to this agent.
	GatesRequired []string `json:"gates_required" yaml:"gates_required"`
	Logic         Logic    `json:"-" yaml:"-"`
}

// Agent is a registry entry.
type Agent struct {
	Name           string      `json:"name"`
	Role           string      `json:"role"`
	HandoffTargets []string    `json:"handoff_targets"`
	GatesRequired  []string    `json:"gates_required"`
	Status         AgentStatus `json:"status"`
	logic          Logic
}

// HistoryEntry records one agent execution.
type HistoryEntry struct {
	Agent  string    `json:"agent"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Result *Result   `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// HandoffRecord records a successful handoff.
type HandoffRecord struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// DecisionOutcome records one arbitrated decision.
type DecisionOutcome struct {
	Key     string `json:"key"`
	Agent   string `json:"agent"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Session is one multi-agent task.
type Session struct {
	ID           string                         `json:"id"`
	Task         string                         `json:"task"`
	CurrentAgent string                         `json:"current_agent"`
	TraceID      string                         `json:"trace_id,omitempty"`
	Status       SessionStatus                  `json:"status"`
	History      []HistoryEntry                 `json:"history"`
	Handoffs     []HandoffRecord                `json:"handoffs"`
	Decisions    map[string]*hierarchy.Decision `json:"decisions"`
	DecisionLog  []DecisionOutcome              `json:"decision_log"`
	CreatedAt    time.Time                      `json:"created_at"`
	EndedAt      time.Time                      `json:"ended_at,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.History = append([]HistoryEntry(nil), s.History...)
	cp.Handoffs = append([]HandoffRecord(nil), s.Handoffs...)
	cp.DecisionLog = append([]DecisionOutcome(nil), s.DecisionLog...)
	cp.Decisions = make(map[string]*hierarchy.Decision, len(s.Decisions))
	for k, v := range s.Decisions {
		cp.Decisions[k] = v
	}
	return &cp
}

// HandoffResult is the outcome of a handoff attempt.
type HandoffResult struct {
	Success      bool     `json:"success"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Error        string   `json:"error,omitempty"`
	MissingFiles []string `json:"missing_files,omitempty"`
}

// RunResult is the outcome of ExecuteWithHandoffs.
type RunResult struct {
	SessionID string `json:"session_id"`
	// Agent is the agent the session ended on.
	Agent  string `json:"agent"`
	Hops   int    `json:"hops"`
	Result Result `json:"result"`
	// Refused is set when a requested handoff was refused.
	Refused *HandoffResult `json:"refused,omitempty"`
	// HopLimitExceeded marks a partial result.
	HopLimitExceeded bool `json:"hop_limit_exceeded"`
}

// ParallelTask is one entry of ExecuteParallel.
type ParallelTask struct {
	Agent string         `json:"agent"`
	Task  string         `json:"task"`
	Data  map[string]any `json:"data,omitempty"`
}

// ParallelResult is the per-agent outcome of ExecuteParallel.
type ParallelResult struct {
	Agent     string `json:"agent"`
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Result    Result `json:"result"`
	Error     string `json:"error,omitempty"`
}
