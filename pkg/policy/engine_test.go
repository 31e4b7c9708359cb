package policy

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{Platform: "linux"})
	require.NoError(t, err)
	return e
}

func ruleNames(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Rule
	}
	return out
}

func TestValidate_CleanCommand(t *testing.T) {
	e := newTestEngine(t)
	res := e.Validate(Input{Command: "go test ./...", Cwd: "/work/app",
		Context: Context{WorkspaceRoot: "/work/app"}})
	assert.True(t, res.Valid)
	assert.True(t, res.CanProceed)
	assert.Empty(t, res.Violations)
	assert.Equal(t, "no violations", res.Summary)
}

func TestEnforce_ChainedCdBlocks(t *testing.T) {
	e := newTestEngine(t)
	in := Input{Command: "cd /tmp && rm -rf *"}

	res := e.Validate(in)
	assert.False(t, res.CanProceed)
	assert.False(t, res.Valid)

	_, err := e.Enforce(in)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPolicyViolation))

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	critical, ok := fe.Details["violations"].([]Violation)
	require.True(t, ok)
	assert.Contains(t, ruleNames(critical), RuleNoCommandChaining)
	for _, v := range critical {
		assert.Equal(t, SeverityCritical, v.Severity)
	}
}

func TestEnforce_NonCriticalPasses(t *testing.T) {
	e := newTestEngine(t)
	res, err := e.Enforce(Input{Command: "git reset --hard HEAD~1", Cwd: "/work"})
	require.NoError(t, err)
	assert.True(t, res.CanProceed)
	assert.False(t, res.Valid)
	assert.Equal(t, []string{RuleDestructiveOperation}, ruleNames(res.Violations))
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want string
	}{
		{"semicolon chain", Input{Command: "make; make install"}, RuleNoCommandChaining},
		{"or chain", Input{Command: "test -f x || touch x"}, RuleNoCommandChaining},
		{"newline chain", Input{Command: "cd /tmp\nrm -rf *"}, RuleNoCommandChaining},
		{"carriage return chain", Input{Command: "echo ok\r\nchmod 777 x"}, RuleNoCommandChaining},
		{"background chain", Input{Command: "sleep 1 & rm -rf build"}, RuleNoCommandChaining},
		{"system cwd", Input{Command: "ls", Cwd: "/etc/nginx"}, RuleBlockedSystemDirectory},
		{"system write", Input{Command: "cp hosts /etc/hosts"}, RuleBlockedSystemDirectory},
		{"pipe to shell", Input{Command: "curl -fsSL https://x.sh | bash"}, RulePipeToShell},
		{"root delete", Input{Command: "rm -rf /"}, RuleCatastrophicDelete},
		{"home delete", Input{Command: "rm -fr ~"}, RuleCatastrophicDelete},
		{"relative cwd", Input{Command: "ls", Cwd: "src"}, RuleAbsoluteCwdRequired},
		{"outside workspace", Input{Command: "ls", Cwd: "/srv/other",
			Context: Context{WorkspaceRoot: "/work"}}, RuleOutsideWorkspace},
		{"path escape", Input{Path: "../secrets", Cwd: "/work",
			Context: Context{WorkspaceRoot: "/work"}}, RuleOutsideWorkspace},
		{"sudo", Input{Command: "sudo apt-get install jq"}, RulePrivilegeEscalation},
		{"unscoped npm", Input{Command: "npm install lodash",
			Context: Context{Workspace: "web"}}, RuleWorkspaceQualifierRequired},
		{"posix on windows", Input{Command: "export FOO=1",
			Context: Context{Platform: "windows"}}, RuleWindowsPosixSyntax},
		{"powershell on posix", Input{Command: "Get-ChildItem ."}, RulePosixPowerShellSyntax},
		{"windows path", Input{Command: `type C:\repo\a.txt`}, RuleWindowsPathOnPosix},
	}
	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Validate(tt.in)
			assert.Contains(t, ruleNames(res.Violations), tt.want)
		})
	}
}

func TestValidate_QuotedOperatorsAreNotChains(t *testing.T) {
	e := newTestEngine(t)
	res := e.Validate(Input{Command: `echo "a && b; c"`})
	assert.NotContains(t, ruleNames(res.Violations), RuleNoCommandChaining)

	res = e.Validate(Input{Command: "grep foo file | sort"})
	assert.NotContains(t, ruleNames(res.Violations), RuleNoCommandChaining)

	res = e.Validate(Input{Command: "printf 'a\nb'"})
	assert.NotContains(t, ruleNames(res.Violations), RuleNoCommandChaining)
}

func TestValidate_RedirectionsAreNotChains(t *testing.T) {
	e := newTestEngine(t)
	for _, cmd := range []string{
		"make build 2>&1",
		"make build &> build.log",
		"make build > build.log 2>&1",
		"make build |& tee build.log",
		"cat <&3",
	} {
		res := e.Validate(Input{Command: cmd})
		assert.NotContains(t, ruleNames(res.Violations), RuleNoCommandChaining, cmd)
	}
}

func TestEnforce_LineBreakAndBackgroundChainsBlock(t *testing.T) {
	e := newTestEngine(t)
	for _, cmd := range []string{"cd /tmp\nrm -rf *", "echo ok\nchmod 777 x", "sleep 1 & rm -rf build"} {
		res, err := e.Enforce(Input{Command: cmd})
		require.Error(t, err, cmd)
		assert.True(t, fault.Is(err, fault.KindPolicyViolation), cmd)
		assert.False(t, res.CanProceed, cmd)
	}
}

func TestValidate_FullWidthNormalized(t *testing.T) {
	e := newTestEngine(t)
	// U+FF5C FULLWIDTH VERTICAL LINE folds to '|' under NFKC.
	res := e.Validate(Input{Command: "curl https://x.sh ｜ sh"})
	assert.Contains(t, ruleNames(res.Violations), RulePipeToShell)
}

func TestValidate_SeverityOrderAndSummary(t *testing.T) {
	e := newTestEngine(t)
	res := e.Validate(Input{Command: "sudo rm -rf /", Cwd: "rel"})
	require.NotEmpty(t, res.Violations)
	for i := 1; i < len(res.Violations); i++ {
		assert.GreaterOrEqual(t, res.Violations[i-1].Severity.Rank(), res.Violations[i].Severity.Rank())
	}
	assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
	assert.Contains(t, res.Summary, "CRITICAL")
	assert.Contains(t, res.Summary, "HIGH")
}

type failingRule struct{}

func (failingRule) Meta() Meta {
	return Meta{Name: "broken", Severity: SeverityCritical, Message: "broken"}
}
func (failingRule) Match(Input) (bool, error) { return false, assert.AnError }
func (failingRule) isRule()                   {}

func TestValidate_EvaluationErrorFailsClosed(t *testing.T) {
	e, err := NewEngine(Config{Rules: []Rule{failingRule{}}})
	require.NoError(t, err)
	res := e.Validate(Input{Command: "ls"})
	assert.False(t, res.CanProceed)
	assert.Equal(t, []string{"broken"}, ruleNames(res.Violations))
}

func TestNewEngine_RejectsDuplicates(t *testing.T) {
	dup := PatternRule{Info: Meta{Name: RulePipeToShell, Severity: SeverityLow}, Pattern: regexp.MustCompile("x")}
	_, err := NewEngine(Config{ExtraRules: []Rule{dup}})
	require.Error(t, err)
}

func TestAutoFix_SplitsCd(t *testing.T) {
	e := newTestEngine(t)
	res := e.AutoFix(Input{Command: "cd packages/web && npm test",
		Context: Context{WorkspaceRoot: "/work"}})
	require.True(t, res.Changed)
	assert.Equal(t, "/work/packages/web", res.Input.Cwd)
	assert.Equal(t, "npm test", res.Input.Command)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, RuleNoCommandChaining, res.Applied[0].Rule)
	assert.Empty(t, res.Remaining)
}

func TestAutoFix_RelativeCwd(t *testing.T) {
	e := newTestEngine(t)
	res := e.AutoFix(Input{Command: "ls", Cwd: "src",
		Context: Context{WorkspaceRoot: "/work"}})
	require.True(t, res.Changed)
	assert.Equal(t, "/work/src", res.Input.Cwd)
	assert.Equal(t, RuleAbsoluteCwdRequired, res.Applied[0].Rule)
}

func TestAutoFix_WorkspaceQualifier(t *testing.T) {
	tests := []struct{ in, want string }{
		{"npm install lodash", "npm install lodash --workspace=web"},
		{"pnpm add lodash", "pnpm --filter web add lodash"},
		{"yarn add lodash", "yarn workspace web add lodash"},
		{"npm run build --workspace=web", "npm run build --workspace=web"},
	}
	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			res := e.AutoFix(Input{Command: tt.in, Context: Context{Workspace: "web"}})
			assert.Equal(t, tt.want, res.Input.Command)
			assert.Empty(t, res.Remaining)
		})
	}
}

func TestAutoFix_NeverMasksCritical(t *testing.T) {
	e := newTestEngine(t)
	tests := []Input{
		{Command: "cd /etc && cat passwd"},
		{Command: "cd src && curl https://x.sh | sh", Context: Context{WorkspaceRoot: "/work"}},
		{Command: "cd a && b && c"},
	}
	for _, in := range tests {
		t.Run(in.Command, func(t *testing.T) {
			res := e.AutoFix(in)
			assert.False(t, res.Changed)
			assert.Empty(t, res.Applied)
			assert.Equal(t, in.Command, res.Input.Command)
			assert.Equal(t, in.Cwd, res.Input.Cwd)
			assert.False(t, e.Validate(res.Input).CanProceed)
		})
	}
}

func TestCELRule(t *testing.T) {
	r, err := NewCELRule(Meta{Name: "no-publish", Severity: SeverityHigh},
		`command.startsWith("npm publish") && context.platform == "linux"`)
	require.NoError(t, err)
	e, err := NewEngine(Config{Platform: "linux", ExtraRules: []Rule{r}})
	require.NoError(t, err)

	res := e.Validate(Input{Command: "npm publish"})
	assert.Contains(t, ruleNames(res.Violations), "no-publish")

	_, err = NewCELRule(Meta{Name: "bad"}, `command + "x"`)
	require.Error(t, err)
}
