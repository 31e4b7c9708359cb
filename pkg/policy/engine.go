// Package policy evaluates proposed operations against a static rule catalog.
package policy

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
)

// Violation is one rule failing against one input.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Fix      string   `json:"fix,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Result is the outcome of Validate.
type Result struct {
	// Valid is true when no rule matched.
	Valid bool `json:"valid"`
	// CanProceed is true when no CRITICAL rule matched.
	CanProceed bool        `json:"can_proceed"`
	Violations []Violation `json:"violations"`
	Summary    string      `json:"summary"`
}

// Critical returns only the CRITICAL violations.
func (r Result) Critical() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			out = append(out, v)
		}
	}
	return out
}

// Config configures an Engine.
type Config struct {
	// Platform is used when the input carries none. Defaults to runtime.GOOS.
	Platform string
	// Rules replaces the default catalog when non-nil.
	Rules []Rule
	// ExtraRules are appended to the catalog.
	ExtraRules []Rule
	// Packs are YAML policy pack files appended after ExtraRules.
	Packs  []string
	Logger *slog.Logger
}

// Engine is a stateless evaluator over an immutable rule catalog.
type Engine struct {
	rules    []Rule
	platform string
	logger   *slog.Logger
}

// NewEngine builds an engine from the default catalog plus configured rules.
func NewEngine(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "policy")
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	rules = append(append([]Rule{}, rules...), cfg.ExtraRules...)
	for _, path := range cfg.Packs {
		pack, err := LoadPack(path)
		if err != nil {
			return nil, err
		}
		packRules, err := pack.Compile()
		if err != nil {
			return nil, fmt.Errorf("policy pack %s: %w", path, err)
		}
		logger.Info("policy pack loaded", "pack", pack.Name, "rules", len(packRules))
		rules = append(rules, packRules...)
	}

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		m := r.Meta()
		if m.Name == "" {
			return nil, fmt.Errorf("policy rule without name")
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("duplicate policy rule %q", m.Name)
		}
		if m.Severity.Rank() == 0 {
			return nil, fmt.Errorf("policy rule %q: unknown severity %q", m.Name, m.Severity)
		}
		seen[m.Name] = true
	}

	platform := cfg.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	return &Engine{rules: rules, platform: platform, logger: logger}, nil
}

// MustNewEngine is NewEngine for configurations that cannot fail.
func MustNewEngine(cfg Config) *Engine {
	e, err := NewEngine(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Rules returns a copy of the catalog.
func (e *Engine) Rules() []Rule {
	return append([]Rule{}, e.rules...)
}

func (e *Engine) prepare(in Input) Input {
	in = normalize(in)
	if in.Context.Platform == "" {
		in.Context.Platform = e.platform
	}
	return in
}

// Validate evaluates every rule against in. A rule that fails to evaluate
// is reported as a violation of its own severity.
func (e *Engine) Validate(in Input) Result {
	in = e.prepare(in)
	var violations []Violation
	for _, r := range e.rules {
		m := r.Meta()
		matched, err := r.Match(in)
		if err != nil {
			e.logger.Warn("policy rule evaluation failed", "rule", m.Name, "error", err)
			matched = true
		}
		if matched {
			violations = append(violations, Violation{
				Rule:     m.Name,
				Severity: m.Severity,
				Message:  m.Message,
				Fix:      m.Fix,
				Reason:   m.Reason,
			})
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Severity.Rank() > violations[j].Severity.Rank()
	})

	res := Result{Valid: len(violations) == 0, CanProceed: true, Violations: violations}
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			res.CanProceed = false
			break
		}
	}
	res.Summary = summarize(violations)
	return res
}

func summarize(violations []Violation) string {
	if len(violations) == 0 {
		return "no violations"
	}
	counts := map[Severity]int{}
	for _, v := range violations {
		counts[v.Severity]++
	}
	var parts []string
	for _, s := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	noun := "violations"
	if len(violations) == 1 {
		noun = "violation"
	}
	return fmt.Sprintf("%d %s: %s", len(violations), noun, strings.Join(parts, ", "))
}

// Enforce validates in and returns a PolicyViolation fault listing the
// CRITICAL violations, if any.
func (e *Engine) Enforce(in Input) (Result, error) {
	res := e.Validate(in)
	if res.CanProceed {
		return res, nil
	}
	critical := res.Critical()
	names := make([]string, len(critical))
	for i, v := range critical {
		names[i] = v.Rule
	}
	err := fault.New(fault.KindPolicyViolation, "policy violation: %s", strings.Join(names, ", ")).
		WithDetail("violations", critical)
	return res, err
}

// Fix describes one applied auto-fix.
type Fix struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
}

// AutoFixResult is the outcome of AutoFix.
type AutoFixResult struct {
	Input     Input       `json:"input"`
	Applied   []Fix       `json:"applied"`
	Remaining []Violation `json:"remaining"`
	Changed   bool        `json:"changed"`
}

// AutoFix applies mechanical rewrites: a single leading "cd <dir> &&" becomes
// cwd, a relative cwd is resolved against the workspace root, and package
// manager commands get a workspace qualifier. If the rewritten input still
// has a CRITICAL violation the original input is returned unchanged.
func (e *Engine) AutoFix(in Input) AutoFixResult {
	orig := e.prepare(in)
	fixed := orig
	var applied []Fix

	if dir, rest, ok := splitLeadingCd(fixed.Command); ok {
		base := fixed.Cwd
		if base == "" || !isAbs(base) {
			base = fixed.Context.WorkspaceRoot
		}
		fixed.Cwd = resolve(base, dir)
		fixed.Command = rest
		applied = append(applied, Fix{
			Rule:        RuleNoCommandChaining,
			Description: fmt.Sprintf("moved cd %s into cwd", dir),
		})
	}

	if fixed.Cwd != "" && !isAbs(fixed.Cwd) && fixed.Context.WorkspaceRoot != "" {
		abs := resolve(fixed.Context.WorkspaceRoot, fixed.Cwd)
		applied = append(applied, Fix{
			Rule:        RuleAbsoluteCwdRequired,
			Description: fmt.Sprintf("resolved cwd %s to %s", fixed.Cwd, abs),
		})
		fixed.Cwd = abs
	}

	if fixed.Context.Workspace != "" {
		if cmd, ok := qualify(fixed.Command, fixed.Context.Workspace); ok {
			fixed.Command = cmd
			applied = append(applied, Fix{
				Rule:        RuleWorkspaceQualifierRequired,
				Description: fmt.Sprintf("scoped command to workspace %s", fixed.Context.Workspace),
			})
		}
	}

	if len(applied) == 0 {
		return AutoFixResult{Input: orig, Remaining: e.Validate(orig).Violations}
	}
	res := e.Validate(fixed)
	if !res.CanProceed {
		e.logger.Info("auto-fix discarded, critical violations remain",
			"command", orig.Command, "violations", len(res.Critical()))
		return AutoFixResult{Input: orig, Remaining: e.Validate(orig).Violations}
	}
	return AutoFixResult{Input: fixed, Applied: applied, Remaining: res.Violations, Changed: true}
}

// splitLeadingCd recognizes exactly "cd <dir> && <command>" where the
// command is not itself chained.
func splitLeadingCd(cmd string) (dir, rest string, ok bool) {
	segs := splitChain(cmd)
	if len(segs) != 2 || segs[0].op != "&&" || segs[1].text == "" {
		return "", "", false
	}
	fields := strings.Fields(segs[0].text)
	if len(fields) != 2 || fields[0] != "cd" {
		return "", "", false
	}
	dir = strings.Trim(fields[1], `"'`)
	if dir == "" || dir == "-" || strings.ContainsAny(dir, "$`~") {
		return "", "", false
	}
	return dir, segs[1].text, true
}
