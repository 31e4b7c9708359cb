package policy

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// Severity ranks a rule. CRITICAL violations block the operation.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank orders severities: CRITICAL > HIGH > MEDIUM > LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts the canonical upper-case names.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Meta is the descriptive part shared by every rule variant.
type Meta struct {
	Name     string   `json:"name" yaml:"name"`
	Severity Severity `json:"severity" yaml:"severity"`
	Message  string   `json:"message" yaml:"message"`
	Fix      string   `json:"fix,omitempty" yaml:"fix,omitempty"`
	Reason   string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Rule is one of PatternRule, PredicateRule or CELRule.
type Rule interface {
	Meta() Meta
	// Match reports whether the input violates the rule.
	Match(in Input) (bool, error)
	isRule()
}

// PatternRule matches a regular expression against the normalized command.
type PatternRule struct {
	Info    Meta
	Pattern *regexp.Regexp
}

func (r PatternRule) Meta() Meta { return r.Info }

func (r PatternRule) Match(in Input) (bool, error) {
	if in.Command == "" {
		return false, nil
	}
	return r.Pattern.MatchString(in.Command), nil
}

func (PatternRule) isRule() {}

// PredicateRule evaluates a Go predicate over the full input.
type PredicateRule struct {
	Info      Meta
	Predicate func(Input) bool
}

func (r PredicateRule) Meta() Meta { return r.Info }

func (r PredicateRule) Match(in Input) (bool, error) {
	return r.Predicate(in), nil
}

func (PredicateRule) isRule() {}

// CELRule evaluates a CEL expression. The expression sees the variables
// command, cwd, path, tool (strings) and context (map).
type CELRule struct {
	Info       Meta
	Expression string
	program    cel.Program
}

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func ruleEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.VariableDecls(
				decls.NewVariable("command", types.StringType),
				decls.NewVariable("cwd", types.StringType),
				decls.NewVariable("path", types.StringType),
				decls.NewVariable("tool", types.StringType),
				decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
			),
		)
	})
	return celEnv, celEnvErr
}

// NewCELRule compiles a CEL rule. The expression must evaluate to a bool.
func NewCELRule(meta Meta, expression string) (*CELRule, error) {
	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %s: compilation failed: %w", meta.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", meta.Name, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %s: program construction failed: %w", meta.Name, err)
	}
	return &CELRule{Info: meta, Expression: expression, program: prg}, nil
}

func (r *CELRule) Meta() Meta { return r.Info }

func (r *CELRule) Match(in Input) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"command": in.Command,
		"cwd":     in.Cwd,
		"path":    in.Path,
		"tool":    in.Tool,
		"context": in.Context.asMap(),
	})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: non-bool result %v", r.Info.Name, out.Value())
	}
	return matched, nil
}

func (*CELRule) isRule() {}
