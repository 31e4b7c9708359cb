// Package approval implements the approval-token gate.
//
// A request is either auto-approved (operator bypass, or the policy engine
// finds no violation) or parked as a pending entry until it is granted,
// denied or times out. Every pending entry settles exactly once. A grant
// mints a single-use token bound to the original proposal.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/nightorder/pkg/canonicalize"
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/policy"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultTokenTTL      = 600 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// ErrNotPending is returned when settling an id that is unknown or already
// settled.
var ErrNotPending = errors.New("approval request is not pending")

// Proposal is the operation an approval is requested for.
type Proposal struct {
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Input       policy.Input   `json:"input"`
	Description string         `json:"description,omitempty"`
	MissionID   string         `json:"mission_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
}

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeBypassed     Outcome = "BYPASSED"
	OutcomeAutoApproved Outcome = "AUTO_APPROVED"
	OutcomeGranted      Outcome = "GRANTED"
	OutcomeDenied       Outcome = "DENIED"
	OutcomeExpired      Outcome = "EXPIRED"
)

// Token is a single-use capability bound to one proposal.
type Token struct {
	Token        string    `json:"token"`
	Proposal     Proposal  `json:"proposal"`
	ProposalHash string    `json:"proposal_hash"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Used         bool      `json:"used"`
}

// Decision is the result of RequestApproval.
type Decision struct {
	Approved  bool    `json:"approved"`
	Outcome   Outcome `json:"outcome"`
	RequestID string  `json:"request_id,omitempty"`
	Token     *Token  `json:"token,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Err converts a negative decision into the matching fault.
func (d Decision) Err() error {
	switch d.Outcome {
	case OutcomeDenied:
		return fault.New(fault.KindApprovalDenied, "approval denied: %s", d.Reason).
			WithDetail("request_id", d.RequestID)
	case OutcomeExpired:
		return fault.New(fault.KindApprovalTimeout, "approval timed out").
			WithDetail("request_id", d.RequestID)
	}
	return nil
}

// Pending is a snapshot of a request awaiting a human decision.
type Pending struct {
	ID        string    `json:"id"`
	Proposal  Proposal  `json:"proposal"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pendingEntry struct {
	Pending
	timer    *time.Timer
	done     chan struct{}
	settled  bool
	decision Decision
}

// Validator is the subset of the policy engine the gate needs.
type Validator interface {
	Validate(policy.Input) policy.Result
}

// Options tune a single request.
type Options struct {
	Bypass bool
	// Timeout overrides the gate default for this request.
	Timeout time.Duration
}

// Config configures a Gate.
type Config struct {
	// Policy enables auto-approval of proposals with no violation.
	Policy        Validator
	Bus           *eventbus.Bus
	Timeout       time.Duration
	TokenTTL      time.Duration
	SweepInterval time.Duration
	// Bypass is the operator trust switch: every request is approved and
	// UseToken skips validation.
	Bypass bool
	Logger *slog.Logger
}

// Gate issues approval decisions and tokens.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	tokens  map[string]*Token

	policy        Validator
	bus           *eventbus.Bus
	timeout       time.Duration
	tokenTTL      time.Duration
	sweepInterval time.Duration
	bypass        bool
	logger        *slog.Logger
	clock         func() time.Time
}

// NewGate creates an approval gate.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		pending:       make(map[string]*pendingEntry),
		tokens:        make(map[string]*Token),
		policy:        cfg.Policy,
		bus:           cfg.Bus,
		timeout:       cfg.Timeout,
		tokenTTL:      cfg.TokenTTL,
		sweepInterval: cfg.SweepInterval,
		bypass:        cfg.Bypass,
		logger:        cfg.Logger,
		clock:         time.Now,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.tokenTTL <= 0 {
		g.tokenTTL = DefaultTokenTTL
	}
	if g.sweepInterval <= 0 {
		g.sweepInterval = DefaultSweepInterval
	}
	if g.logger == nil {
		g.logger = slog.Default().With("component", "approval")
	}
	return g
}

// WithClock overrides the clock for deterministic testing. Pending timers
// still run on wall time; Sweep uses the clock.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Bypass reports whether the operator trust switch is on.
func (g *Gate) Bypass() bool { return g.bypass }

// RequestApproval decides a proposal. Auto-approvals return immediately;
// otherwise the call blocks until Approve, Deny, the timeout, or ctx.
func (g *Gate) RequestApproval(ctx context.Context, p Proposal, opts Options) (Decision, error) {
	if opts.Bypass || g.bypass {
		g.emit(eventbus.ApprovalGranted, p, map[string]any{"outcome": string(OutcomeBypassed)})
		return Decision{Approved: true, Outcome: OutcomeBypassed, Reason: "bypass mode"}, nil
	}

	if g.policy != nil {
		res := g.policy.Validate(p.Input)
		if res.Valid {
			tok, err := g.mint(p)
			if err != nil {
				return Decision{}, err
			}
			g.emit(eventbus.ApprovalGranted, p, map[string]any{"outcome": string(OutcomeAutoApproved)})
			return Decision{Approved: true, Outcome: OutcomeAutoApproved, Token: tok, Reason: "policy: no violations"}, nil
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	now := g.clock()
	entry := &pendingEntry{
		Pending: Pending{
			ID:        uuid.NewString(),
			Proposal:  p,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		done: make(chan struct{}),
	}
	id := entry.ID

	g.mu.Lock()
	g.pending[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		g.expire(id)
	})
	g.mu.Unlock()

	payload := map[string]any{"request_id": id, "expires_at": entry.ExpiresAt}
	if g.policy != nil {
		payload["policy_summary"] = g.policy.Validate(p.Input).Summary
	}
	g.emit(eventbus.ApprovalRequest, p, payload)

	select {
	case <-entry.done:
		g.mu.Lock()
		d := entry.decision
		g.mu.Unlock()
		return d, nil
	case <-ctx.Done():
		d := Decision{Outcome: OutcomeDenied, RequestID: id, Reason: ctx.Err().Error()}
		if g.settle(id, d) {
			return d, ctx.Err()
		}
		// Settled concurrently; report what actually happened.
		<-entry.done
		g.mu.Lock()
		d = entry.decision
		g.mu.Unlock()
		return d, nil
	}
}

// Approve grants a pending request and returns the minted token.
func (g *Gate) Approve(id string) (*Token, error) {
	g.mu.Lock()
	entry, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		g.logger.Warn("approve ignored, request not pending", "request_id", id)
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	tok, err := g.mint(entry.Proposal)
	if err != nil {
		return nil, err
	}
	d := Decision{Approved: true, Outcome: OutcomeGranted, RequestID: id, Token: tok}
	if !g.settle(id, d) {
		g.mu.Lock()
		delete(g.tokens, tok.Token)
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return tok, nil
}

// Deny rejects a pending request.
func (g *Gate) Deny(id, reason string) error {
	if reason == "" {
		reason = "denied by reviewer"
	}
	if !g.settle(id, Decision{Outcome: OutcomeDenied, RequestID: id, Reason: reason}) {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return nil
}

func (g *Gate) expire(id string) {
	g.settle(id, Decision{Outcome: OutcomeExpired, RequestID: id, Reason: "approval timed out"})
}

// settle resolves a pending entry once. Later attempts log and return false.
func (g *Gate) settle(id string, d Decision) bool {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok || entry.settled {
		g.mu.Unlock()
		g.logger.Warn("approval already settled", "request_id", id, "outcome", d.Outcome)
		return false
	}
	entry.settled = true
	entry.decision = d
	delete(g.pending, id)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	close(entry.done)
	g.mu.Unlock()

	payload := map[string]any{"request_id": id, "outcome": string(d.Outcome)}
	if d.Reason != "" {
		payload["reason"] = d.Reason
	}
	switch d.Outcome {
	case OutcomeGranted:
		g.emit(eventbus.ApprovalGranted, entry.Proposal, payload)
	case OutcomeDenied:
		g.emit(eventbus.ApprovalDenied, entry.Proposal, payload)
	case OutcomeExpired:
		g.emit(eventbus.ApprovalTimeout, entry.Proposal, payload)
	}
	return true
}

func (g *Gate) mint(p Proposal) (*Token, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("approval: generate token: %w", err)
	}
	hash, err := canonicalize.CanonicalHash(p)
	if err != nil {
		return nil, fmt.Errorf("approval: hash proposal: %w", err)
	}
	now := g.clock()
	tok := &Token{
		Token:        hex.EncodeToString(buf),
		Proposal:     p,
		ProposalHash: hash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(g.tokenTTL),
	}
	g.mu.Lock()
	g.tokens[tok.Token] = tok
	g.mu.Unlock()
	cp := *tok
	return &cp, nil
}

// UseToken redeems a token and returns its proposal. A token is redeemable
// once, before it expires. In bypass mode validation is skipped.
func (g *Gate) UseToken(token string) (Proposal, error) {
	g.mu.Lock()
	tok, ok := g.tokens[token]
	if g.bypass {
		var p Proposal
		if ok {
			tok.Used = true
			p = tok.Proposal
		}
		g.mu.Unlock()
		g.emit(eventbus.TokenUsed, p, map[string]any{"bypass": true})
		return p, nil
	}
	if !ok {
		g.mu.Unlock()
		return Proposal{}, fault.New(fault.KindInvalidToken, "unknown approval token")
	}
	if tok.Used {
		g.mu.Unlock()
		return Proposal{}, fault.New(fault.KindInvalidToken, "approval token already used")
	}
	if g.clock().After(tok.ExpiresAt) {
		delete(g.tokens, token)
		g.mu.Unlock()
		return Proposal{}, fault.New(fault.KindInvalidToken, "approval token expired")
	}
	tok.Used = true
	p := tok.Proposal
	hash := tok.ProposalHash
	g.mu.Unlock()

	g.emit(eventbus.TokenUsed, p, map[string]any{"proposal_hash": hash})
	return p, nil
}

// Pending lists requests awaiting a decision, oldest first.
func (g *Gate) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, e.Pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep purges expired tokens and times out overdue pending requests.
func (g *Gate) Sweep() (purged, expired int) {
	now := g.clock()
	var overdue []string
	g.mu.Lock()
	for k, tok := range g.tokens {
		if now.After(tok.ExpiresAt) {
			delete(g.tokens, k)
			purged++
		}
	}
	for id, e := range g.pending {
		if now.After(e.ExpiresAt) {
			overdue = append(overdue, id)
		}
	}
	g.mu.Unlock()

	for _, id := range overdue {
		if g.settle(id, Decision{Outcome: OutcomeExpired, RequestID: id, Reason: "approval timed out"}) {
			expired++
		}
	}
	if purged > 0 || expired > 0 {
		g.logger.Debug("approval sweep", "tokens_purged", purged, "requests_expired", expired)
	}
	return purged, expired
}

// Run sweeps on the configured interval until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func (g *Gate) emit(t eventbus.Type, p Proposal, payload map[string]any) {
	if g.bus == nil {
		return
	}
	payload["tool"] = p.Tool
	if p.Description != "" {
		payload["description"] = p.Description
	}
	if p.Input.Command != "" {
		payload["command"] = p.Input.Command
	}
	if p.StepID != "" {
		payload["step_id"] = p.StepID
	}
	if p.TraceID != "" {
		payload["trace_id"] = p.TraceID
	}
	g.bus.Publish(t, "approval", payload)
}
