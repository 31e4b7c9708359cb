// Package coordinator runs multi-agent sessions: agents execute in turn and
// hand work to each other only when the target's required gates pass.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/gatekeeper"
	"github.com/Mindburn-Labs/nightorder/pkg/hierarchy"
	"github.com/Mindburn-Labs/nightorder/pkg/trace"
)

const (
	DefaultMaxHops     = 10
	DefaultParallelism = 4
)

// GateFailedMessage is the error of a handoff refused by a gate.
const GateFailedMessage = "Gate verification failed"

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is not active")
)

// Config configures a Coordinator. Gates, Tracer and Bus are optional.
type Config struct {
	Gates       *gatekeeper.Keeper
	Arbiter     *hierarchy.Arbiter
	Tracer      *trace.Tracer
	Bus         *eventbus.Bus
	MaxHops     int
	Parallelism int
	Logger      *slog.Logger
}

// Coordinator owns the agent registry and sessions.
type Coordinator struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	sessions map[string]*Session

	gates       *gatekeeper.Keeper
	arbiter     *hierarchy.Arbiter
	tracer      *trace.Tracer
	bus         *eventbus.Bus
	maxHops     int
	parallelism int
	logger      *slog.Logger
	clock       func() time.Time
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		agents:      make(map[string]*Agent),
		sessions:    make(map[string]*Session),
		gates:       cfg.Gates,
		arbiter:     cfg.Arbiter,
		tracer:      cfg.Tracer,
		bus:         cfg.Bus,
		maxHops:     cfg.MaxHops,
		parallelism: cfg.Parallelism,
		logger:      cfg.Logger,
		clock:       time.Now,
	}
	if c.arbiter == nil {
		c.arbiter = hierarchy.NewArbiter(nil)
	}
	if c.maxHops <= 0 {
		c.maxHops = DefaultMaxHops
	}
	if c.parallelism <= 0 {
		c.parallelism = DefaultParallelism
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "coordinator")
	}
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// RegisterAgent adds or replaces an agent.
func (c *Coordinator) RegisterAgent(name string, cfg AgentConfig) error {
	if name == "" {
		return fmt.Errorf("agent name is required")
	}
	if cfg.Logic == nil {
		return fmt.Errorf("agent %s: logic is required", name)
	}
	role := cfg.Role
	if role == "" {
		role = name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[name] = &Agent{
		Name:           name,
		Role:           role,
		HandoffTargets: append([]string(nil), cfg.HandoffTargets...),
		GatesRequired:  append([]string(nil), cfg.GatesRequired...),
		Status:         AgentIdle,
		logic:          cfg.Logic,
	}
	return nil
}

// Agents lists registered agents by name.
func (c *Coordinator) Agents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Session returns a snapshot of a session.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// StartSession opens a session on the initial agent.
func (c *Coordinator) StartSession(ctx context.Context, initial, task string) (string, error) {
	c.mu.Lock()
	_, ok := c.agents[initial]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, initial)
	}

	s := &Session{
		ID:           uuid.NewString(),
		Task:         task,
		CurrentAgent: initial,
		Status:       SessionActive,
		Decisions:    make(map[string]*hierarchy.Decision),
		CreatedAt:    c.clock(),
	}
	if c.tracer != nil {
		s.TraceID = c.tracer.StartTrace(ctx, initial, task)
	}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	c.publish(eventbus.SessionStart, s.TraceID, map[string]any{
		"session_id": s.ID, "agent": initial, "task": task,
	})
	return s.ID, nil
}

// ExecuteAgent runs one unit of work of agent within the session and
// appends it to the session history.
func (c *Coordinator) ExecuteAgent(ctx context.Context, sessionID, agentName string, data map[string]any) (Result, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Status != SessionActive {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	agent, ok := c.agents[agentName]
	if !ok {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentName)
	}
	agent.Status = AgentActive
	logic := agent.logic
	traceID := s.TraceID
	c.mu.Unlock()

	c.publish(eventbus.AgentStart, traceID, map[string]any{"session_id": sessionID, "agent": agentName})
	start := c.clock()
	res, err := runLogic(ctx, logic, Task{SessionID: sessionID, Agent: agentName, TraceID: traceID, Data: data})
	end := c.clock()

	entry := HistoryEntry{Agent: agentName, Start: start, End: end}
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Result = &res
	}

	c.mu.Lock()
	agent.Status = AgentIdle
	s.History = append(s.History, entry)
	var outcomes []DecisionOutcome
	if err == nil {
		outcomes = c.arbitrate(s, agent, res.Decisions)
	}
	c.mu.Unlock()

	for _, o := range outcomes {
		c.publish(eventbus.DecisionEvent, traceID, map[string]any{
			"session_id": sessionID, "agent": o.Agent, "key": o.Key,
			"allowed": o.Allowed, "reason": o.Reason,
		})
	}

	status := trace.StatusCompleted
	if err != nil {
		status = trace.StatusFailed
		c.logger.Warn("agent execution failed", "session_id", sessionID, "agent", agentName, "error", err)
		c.publish(eventbus.Error, traceID, map[string]any{
			"session_id": sessionID, "agent": agentName,
			"kind": string(fault.KindToolExecutionError), "message": err.Error(),
		})
		err = fault.Wrap(fault.KindToolExecutionError, err, "agent "+agentName)
	}
	if c.tracer != nil && traceID != "" {
		_ = c.tracer.RecordStep(traceID, agentName, status, map[string]any{"session_id": sessionID})
	}
	c.publish(eventbus.AgentEnd, traceID, map[string]any{
		"session_id": sessionID, "agent": agentName, "status": status,
		"duration_ms": end.Sub(start).Milliseconds(),
	})
	return res, err
}

func runLogic(ctx context.Context, logic Logic, task Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return logic.Run(ctx, task)
}

// arbitrate applies decisions in key order. Caller holds c.mu.
func (c *Coordinator) arbitrate(s *Session, agent *Agent, decisions map[string]any) []DecisionOutcome {
	if len(decisions) == 0 {
		return nil
	}
	keys := make([]string, 0, len(decisions))
	for k := range decisions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []DecisionOutcome
	for _, k := range keys {
		v := c.arbiter.ValidateOverride(s.Decisions[k], agent.Role, decisions[k])
		if v.Allowed {
			s.Decisions[k] = v.Decision
		}
		o := DecisionOutcome{Key: k, Agent: agent.Name, Allowed: v.Allowed, Reason: v.Reason}
		s.DecisionLog = append(s.DecisionLog, o)
		out = append(out, o)
	}
	return out
}

// Handoff moves the session to agent to. It is refused when the target is
// unknown, not a handoff target of the current agent, or any of its
// required gates fails; the session then stays on the current agent.
func (c *Coordinator) Handoff(sessionID, to string, data map[string]any) (HandoffResult, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return HandoffResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Status != SessionActive {
		c.mu.Unlock()
		return HandoffResult{}, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	from := s.CurrentAgent
	current := c.agents[from]
	target, targetOK := c.agents[to]
	traceID := s.TraceID
	c.mu.Unlock()

	res := HandoffResult{From: from, To: to}
	switch {
	case !targetOK:
		res.Error = fmt.Sprintf("agent %s is not registered", to)
	case current != nil && !slices.Contains(current.HandoffTargets, to):
		res.Error = fmt.Sprintf("agent %s may not hand off to %s", from, to)
	case len(target.GatesRequired) > 0:
		if c.gates == nil {
			res.Error = GateFailedMessage
			res.MissingFiles = []string{}
			break
		}
		gr := c.gates.VerifyMultipleGates(target.GatesRequired)
		if !gr.Passed {
			res.Error = GateFailedMessage
			res.MissingFiles = gr.MissingFiles
		}
	}

	if res.Error != "" {
		c.mu.Lock()
		if current != nil {
			current.Status = AgentBlocked
		}
		c.mu.Unlock()
		c.logger.Info("handoff refused", "session_id", sessionID, "from", from, "to", to, "reason", res.Error)
		c.publish(eventbus.HandoffBlocked, traceID, map[string]any{
			"session_id": sessionID, "from": from, "to": to,
			"error": res.Error, "missing_files": res.MissingFiles,
		})
		if res.Error == GateFailedMessage {
			c.publish(eventbus.Error, traceID, map[string]any{
				"session_id": sessionID, "from": from, "to": to,
				"kind": string(fault.KindGateFailed), "message": res.Error,
				"missing_files": res.MissingFiles,
			})
		}
		return res, nil
	}

	c.mu.Lock()
	if current != nil {
		current.Status = AgentIdle
	}
	s.CurrentAgent = to
	s.Handoffs = append(s.Handoffs, HandoffRecord{From: from, To: to, Timestamp: c.clock(), Data: data})
	c.mu.Unlock()

	res.Success = true
	if c.tracer != nil && traceID != "" {
		_ = c.tracer.RecordHandoff(traceID, from, to, true, data)
	}
	c.publish(eventbus.Handoff, "", map[string]any{"session_id": sessionID, "from": from, "to": to})
	return res, nil
}

// ExecuteWithHandoffs runs the current agent and follows requested
// handoffs until an agent requests none, a handoff is refused, or the hop
// limit is reached. On the hop limit the partial result is returned with a
// HandoffHopLimitExceeded fault.
func (c *Coordinator) ExecuteWithHandoffs(ctx context.Context, sessionID string, data map[string]any) (RunResult, error) {
	out := RunResult{SessionID: sessionID}
	for {
		s, ok := c.Session(sessionID)
		if !ok {
			return out, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		out.Agent = s.CurrentAgent

		res, err := c.ExecuteAgent(ctx, sessionID, s.CurrentAgent, data)
		if err != nil {
			return out, err
		}
		out.Result = res
		if res.NextAgent == "" {
			return out, nil
		}
		if out.Hops >= c.maxHops {
			out.HopLimitExceeded = true
			err := fault.New(fault.KindHandoffHopLimitExceeded, "handoff limit of %d reached", c.maxHops).
				WithDetail("session_id", sessionID).
				WithDetail("agent", s.CurrentAgent)
			c.publish(eventbus.Error, s.TraceID, map[string]any{
				"session_id": sessionID, "kind": string(fault.KindHandoffHopLimitExceeded), "message": err.Error(),
			})
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		hr, err := c.Handoff(sessionID, res.NextAgent, res.HandoffData)
		if err != nil {
			return out, err
		}
		if !hr.Success {
			out.Refused = &hr
			return out, nil
		}
		out.Hops++
		out.Agent = res.NextAgent
		data = res.HandoffData
	}
}

// ExecuteParallel runs independent agent tasks concurrently, each in its
// own session. One task failing never cancels the others.
func (c *Coordinator) ExecuteParallel(ctx context.Context, tasks []ParallelTask) []ParallelResult {
	results := make([]ParallelResult, len(tasks))
	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for i, pt := range tasks {
		g.Go(func() error {
			r := ParallelResult{Agent: pt.Agent}
			sid, err := c.StartSession(ctx, pt.Agent, pt.Task)
			if err != nil {
				r.Error = err.Error()
				results[i] = r
				return nil
			}
			r.SessionID = sid
			res, err := c.ExecuteAgent(ctx, sid, pt.Agent, pt.Data)
			status := SessionCompleted
			if err != nil {
				status = SessionFailed
				r.Error = err.Error()
			} else {
				r.Success = true
				r.Result = res
			}
			if _, err := c.EndSession(ctx, sid, status); err != nil {
				c.logger.Warn("end parallel session", "session_id", sid, "error", err)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// EndSession closes a session and its trace.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string, status SessionStatus) (*Session, error) {
	if status != SessionCompleted && status != SessionFailed {
		return nil, fmt.Errorf("invalid terminal status %q", status)
	}
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Status != SessionActive {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	s.Status = status
	s.EndedAt = c.clock()
	snap := s.clone()
	c.mu.Unlock()

	if c.tracer != nil && snap.TraceID != "" {
		tstatus := trace.StatusCompleted
		if status == SessionFailed {
			tstatus = trace.StatusFailed
		}
		if _, err := c.tracer.EndTrace(ctx, snap.TraceID, tstatus); err != nil {
			c.logger.Warn("end session trace", "session_id", sessionID, "error", err)
		}
	}
	c.publish(eventbus.SessionEnd, "", map[string]any{
		"session_id": sessionID, "status": string(status), "handoffs": len(snap.Handoffs),
	})
	return snap, nil
}

func (c *Coordinator) publish(t eventbus.Type, traceID string, payload map[string]any) {
	if c.bus == nil {
		return
	}
	if traceID != "" {
		payload["trace_id"] = traceID
	}
	c.bus.Publish(t, "coordinator", payload)
}
