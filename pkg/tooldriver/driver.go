// Package tooldriver is the reference tool executor used by the CLI. Every
// tool is confined to a workspace directory.
package tooldriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/Mindburn-Labs/nightorder/pkg/mission"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

// DefaultCommandTimeout bounds run_command.
const DefaultCommandTimeout = 5 * time.Minute

// maxOutput caps captured command output per stream.
const maxOutput = 64 << 10

// ErrUnknownTool is returned for tools the driver does not implement.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one executable tool.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]any) (mission.ToolResult, error)
}

// ExecResult is the output of run_command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Config configures a Driver.
type Config struct {
	Workspace      *workspace.Dir
	CommandTimeout time.Duration
	// Shell overrides the command interpreter, e.g. []string{"bash", "-c"}.
	Shell  []string
	Logger *slog.Logger
}

// Driver dispatches tool calls by name.
type Driver struct {
	tools  map[string]Tool
	logger *slog.Logger
}

// New creates a driver with the built-in tools registered.
func New(cfg Config) (*Driver, error) {
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("tooldriver: workspace is required")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if len(cfg.Shell) == 0 {
		cfg.Shell = defaultShell()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{tools: make(map[string]Tool), logger: logger.With("component", "tooldriver")}
	ws := cfg.Workspace
	d.Register(&writeFile{ws: ws})
	d.Register(&writeFile{ws: ws, append: true})
	d.Register(&readFile{ws: ws})
	d.Register(&makeDir{ws: ws})
	d.Register(&listFiles{ws: ws})
	d.Register(&runCommand{ws: ws, timeout: cfg.CommandTimeout, shell: cfg.Shell})
	return d, nil
}

func defaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"powershell", "-NoProfile", "-Command"}
	}
	return []string{"sh", "-c"}
}

// Register adds or replaces a tool.
func (d *Driver) Register(t Tool) {
	d.tools[t.Name()] = t
}

// Tools lists registered tool names, sorted.
func (d *Driver) Tools() []string {
	out := make([]string, 0, len(d.tools))
	for name := range d.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs the named tool.
func (d *Driver) Execute(ctx context.Context, tool string, args map[string]any) (mission.ToolResult, error) {
	t, ok := d.tools[tool]
	if !ok {
		return mission.ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	start := time.Now()
	res, err := t.Execute(ctx, args)
	d.logger.Debug("tool executed", "tool", tool, "success", err == nil && res.Success, "duration", time.Since(start))
	return res, err
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

type writeFile struct {
	ws     *workspace.Dir
	append bool
}

func (t *writeFile) Name() string {
	if t.append {
		return "append_file"
	}
	return "write_file"
}

func (t *writeFile) Execute(_ context.Context, args map[string]any) (mission.ToolResult, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return mission.ToolResult{}, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return mission.ToolResult{}, fmt.Errorf("content is required")
	}
	path, err := t.ws.Resolve(rel)
	if err != nil {
		return mission.ToolResult{}, err
	}

	before, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return mission.ToolResult{}, fmt.Errorf("read %s: %w", rel, err)
	}
	after := content
	if t.append {
		after = string(before) + content
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mission.ToolResult{}, fmt.Errorf("create directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(after), 0o644); err != nil {
		return mission.ToolResult{}, fmt.Errorf("write %s: %w", rel, err)
	}
	return mission.ToolResult{
		Success: true,
		Output:  len(after),
		Diff:    unifiedDiff(rel, string(before), after),
		Summary: fmt.Sprintf("wrote %d bytes to %s", len(after), rel),
	}, nil
}

type readFile struct{ ws *workspace.Dir }

func (t *readFile) Name() string { return "read_file" }

func (t *readFile) Execute(_ context.Context, args map[string]any) (mission.ToolResult, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return mission.ToolResult{}, err
	}
	text, err := t.ws.ReadText(rel)
	if err != nil {
		return mission.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return mission.ToolResult{Success: true, Output: text, Summary: fmt.Sprintf("read %s", rel)}, nil
}

type makeDir struct{ ws *workspace.Dir }

func (t *makeDir) Name() string { return "make_dir" }

func (t *makeDir) Execute(_ context.Context, args map[string]any) (mission.ToolResult, error) {
	rel, err := stringArg(args, "path")
	if err != nil {
		return mission.ToolResult{}, err
	}
	path, err := t.ws.Resolve(rel)
	if err != nil {
		return mission.ToolResult{}, err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return mission.ToolResult{}, fmt.Errorf("mkdir %s: %w", rel, err)
	}
	return mission.ToolResult{Success: true, Summary: fmt.Sprintf("created %s", rel)}, nil
}

type listFiles struct{ ws *workspace.Dir }

func (t *listFiles) Name() string { return "list_files" }

func (t *listFiles) Execute(_ context.Context, args map[string]any) (mission.ToolResult, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		rel = "."
	}
	path, err := t.ws.Resolve(rel)
	if err != nil {
		return mission.ToolResult{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return mission.ToolResult{Success: false, Error: err.Error()}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return mission.ToolResult{Success: true, Output: names, Summary: fmt.Sprintf("%d entries in %s", len(names), rel)}, nil
}

type runCommand struct {
	ws      *workspace.Dir
	timeout time.Duration
	shell   []string
}

func (t *runCommand) Name() string { return "run_command" }

func (t *runCommand) Execute(ctx context.Context, args map[string]any) (mission.ToolResult, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return mission.ToolResult{}, err
	}
	dir := t.ws.Root
	if cwd, ok := args["cwd"].(string); ok && cwd != "" {
		if dir, err = t.ws.Resolve(cwd); err != nil {
			return mission.ToolResult{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	argv := append(append([]string(nil), t.shell[1:]...), command)
	cmd := exec.CommandContext(ctx, t.shell[0], argv...)
	cmd.Dir = dir

	var stdout, stderr capped
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := ExecResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return mission.ToolResult{}, fmt.Errorf("run command: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	out := mission.ToolResult{
		Success: res.ExitCode == 0,
		Output:  res,
		Summary: fmt.Sprintf("%s exited %d", firstWord(command), res.ExitCode),
	}
	if !out.Success {
		out.Error = strings.TrimSpace(res.Stderr)
		if out.Error == "" {
			out.Error = fmt.Sprintf("exit status %d", res.ExitCode)
		}
	}
	return out, nil
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return s
}

// capped is a bounded output buffer.
type capped struct {
	b         strings.Builder
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	room := maxOutput - c.b.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.b.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.b.Write(p)
	return len(p), nil
}

func (c *capped) String() string {
	if c.truncated {
		return c.b.String() + "\n[output truncated]"
	}
	return c.b.String()
}

// unifiedDiff renders a unified diff of before and after with three lines of
// context.
func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        diffLines(before),
		B:        diffLines(after),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// diffLines splits s into newline-terminated lines. difflib.SplitLines adds a
// phantom empty line after a trailing newline, so it is not used here.
func diffLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	} else {
		lines[len(lines)-1] += "\n"
	}
	return lines
}
