// Package hierarchy arbitrates conflicting decisions between agents by
// authority level. Lower levels are more authoritative; decisions made at
// the Orchestrator level are final.
//
// Arbitration is a pure function of the registered roles and its inputs.
package hierarchy

import (
	"fmt"
	"slices"
	"time"
)

// Level is an authority level. Lower is more authoritative.
type Level int

const (
	LevelOrchestrator Level = 0
	LevelSpecialist   Level = 1
	LevelWorker       Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelOrchestrator:
		return "orchestrator"
	case LevelSpecialist:
		return "specialist"
	case LevelWorker:
		return "worker"
	default:
		return fmt.Sprintf("level-%d", int(l))
	}
}

// Role is the authority assignment of one agent. The allow-lists, when
// non-empty, only narrow what the levels permit.
type Role struct {
	Level Level `json:"level" yaml:"level"`
	// CanOverride lists the agents this agent may override.
	CanOverride []string `json:"can_override,omitempty" yaml:"can_override,omitempty"`
	// CanBeOverriddenBy lists the agents that may override this agent.
	CanBeOverriddenBy []string `json:"can_be_overridden_by,omitempty" yaml:"can_be_overridden_by,omitempty"`
}

// DefaultRoles is the built-in agent table.
func DefaultRoles() map[string]Role {
	return map[string]Role{
		"orchestrator": {Level: LevelOrchestrator},
		"architect":    {Level: LevelSpecialist},
		"planner":      {Level: LevelSpecialist},
		"reviewer":     {Level: LevelSpecialist},
		"security":     {Level: LevelSpecialist},
		"coder":        {Level: LevelWorker},
		"tester":       {Level: LevelWorker},
		"docs":         {Level: LevelWorker},
	}
}

// Authority is the metadata stamped on a decision.
type Authority struct {
	Agent           string    `json:"agent"`
	Level           Level     `json:"level"`
	IsFinal         bool      `json:"is_final"`
	CanOverride     []string  `json:"can_override"`
	CanBeOverridden []string  `json:"can_be_overridden"`
	Timestamp       time.Time `json:"timestamp"`
}

// Decision is an agent decision with its authority metadata.
type Decision struct {
	Payload   any       `json:"payload"`
	Hierarchy Authority `json:"hierarchy"`
}

// Verdict is the outcome of ValidateOverride.
type Verdict struct {
	Allowed bool `json:"allowed"`
	// Decision is the decision that stands afterwards.
	Decision *Decision `json:"decision"`
	Reason   string    `json:"reason"`
}

// Arbiter resolves override conflicts.
type Arbiter struct {
	roles map[string]Role
	clock func() time.Time
}

// NewArbiter creates an arbiter. A nil table uses DefaultRoles.
func NewArbiter(roles map[string]Role) *Arbiter {
	if roles == nil {
		roles = DefaultRoles()
	}
	cp := make(map[string]Role, len(roles))
	for k, v := range roles {
		cp[k] = v
	}
	return &Arbiter{roles: cp, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (a *Arbiter) WithClock(clock func() time.Time) *Arbiter {
	a.clock = clock
	return a
}

// Role returns the role of agent. Unknown agents are Workers.
func (a *Arbiter) Role(agent string) Role {
	if r, ok := a.roles[agent]; ok {
		return r
	}
	return Role{Level: LevelWorker}
}

// LevelOf returns the authority level of agent.
func (a *Arbiter) LevelOf(agent string) Level {
	return a.Role(agent).Level
}

// CanOverride reports whether challenger may override a decision owned by
// existing.
func (a *Arbiter) CanOverride(existing, challenger string) bool {
	ok, _ := a.canOverride(existing, challenger)
	return ok
}

func (a *Arbiter) canOverride(existing, challenger string) (bool, string) {
	er := a.Role(existing)
	return a.decide(existing, er.Level, er.CanBeOverriddenBy, challenger)
}

func (a *Arbiter) decide(existing string, level Level, overriddenBy []string, challenger string) (bool, string) {
	cr := a.Role(challenger)
	switch {
	case level == LevelOrchestrator:
		return false, fmt.Sprintf("%s is orchestrator-level; its decisions are final", existing)
	case level == cr.Level:
		return false, fmt.Sprintf("%s and %s share level %s", existing, challenger, level)
	case cr.Level > level:
		return false, fmt.Sprintf("%s (%s) has less authority than %s (%s)", challenger, cr.Level, existing, level)
	case len(cr.CanOverride) > 0 && !slices.Contains(cr.CanOverride, existing):
		return false, fmt.Sprintf("%s may not override %s", challenger, existing)
	case len(overriddenBy) > 0 && !slices.Contains(overriddenBy, challenger):
		return false, fmt.Sprintf("%s may not be overridden by %s", existing, challenger)
	}
	return true, fmt.Sprintf("%s (%s) outranks %s (%s)", challenger, cr.Level, existing, level)
}

// WrapDecision stamps payload with agent's authority.
func (a *Arbiter) WrapDecision(agent string, payload any) *Decision {
	r := a.Role(agent)
	return &Decision{
		Payload: payload,
		Hierarchy: Authority{
			Agent:           agent,
			Level:           r.Level,
			IsFinal:         r.Level == LevelOrchestrator,
			CanOverride:     append([]string{}, r.CanOverride...),
			CanBeOverridden: append([]string{}, r.CanBeOverriddenBy...),
			Timestamp:       a.clock(),
		},
	}
}

// ValidateOverride decides whether challenger's payload replaces existing.
// With no existing decision the challenger's decision stands.
func (a *Arbiter) ValidateOverride(existing *Decision, challenger string, payload any) Verdict {
	if existing == nil {
		return Verdict{Allowed: true, Decision: a.WrapDecision(challenger, payload), Reason: "first decision"}
	}
	if existing.Hierarchy.IsFinal {
		return Verdict{
			Allowed:  false,
			Decision: existing,
			Reason:   fmt.Sprintf("decision by %s is final", existing.Hierarchy.Agent),
		}
	}
	h := existing.Hierarchy
	ok, reason := a.decide(h.Agent, h.Level, h.CanBeOverridden, challenger)
	if !ok {
		return Verdict{Allowed: false, Decision: existing, Reason: reason}
	}
	return Verdict{Allowed: true, Decision: a.WrapDecision(challenger, payload), Reason: reason}
}
