package tooldriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

func newDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.New(root)
	require.NoError(t, err)
	d, err := New(Config{Workspace: ws})
	require.NoError(t, err)
	return d, ws.Root
}

func TestNew_RequiresWorkspace(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestTools(t *testing.T) {
	d, _ := newDriver(t)
	assert.Equal(t, []string{"append_file", "list_files", "make_dir", "read_file", "run_command", "write_file"}, d.Tools())
}

func TestWriteAndReadFile(t *testing.T) {
	d, root := newDriver(t)
	ctx := context.Background()

	res, err := d.Execute(ctx, "write_file", map[string]any{"path": "src/a.txt", "content": "one\ntwo\n"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Diff, "+one")
	data, err := os.ReadFile(filepath.Join(root, "src", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	res, err = d.Execute(ctx, "write_file", map[string]any{"path": "src/a.txt", "content": "one\nthree\n"})
	require.NoError(t, err)
	assert.Equal(t, "--- src/a.txt\n+++ src/a.txt\n@@ -1,2 +1,2 @@\n one\n-two\n+three\n", res.Diff)

	res, err = d.Execute(ctx, "append_file", map[string]any{"path": "src/a.txt", "content": "four\n"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = d.Execute(ctx, "read_file", map[string]any{"path": "src/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "one\nthree\nfour\n", res.Output)
}

func TestWriteFile_InteriorEditDiff(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()

	var lines []string
	for i := 1; i <= 9; i++ {
		lines = append(lines, fmt.Sprintf("l%d", i))
	}
	_, err := d.Execute(ctx, "write_file", map[string]any{"path": "notes.txt", "content": strings.Join(lines, "\n") + "\n"})
	require.NoError(t, err)

	lines[4] = "L5"
	res, err := d.Execute(ctx, "write_file", map[string]any{"path": "notes.txt", "content": strings.Join(lines, "\n") + "\n"})
	require.NoError(t, err)
	assert.Equal(t, "--- notes.txt\n+++ notes.txt\n@@ -2,7 +2,7 @@\n l2\n l3\n l4\n-l5\n+L5\n l6\n l7\n l8\n", res.Diff)

	res, err = d.Execute(ctx, "write_file", map[string]any{"path": "notes.txt", "content": strings.Join(lines, "\n") + "\n"})
	require.NoError(t, err)
	assert.Empty(t, res.Diff)
}

func TestReadMissingFileIsToolFailure(t *testing.T) {
	d, _ := newDriver(t)
	res, err := d.Execute(context.Background(), "read_file", map[string]any{"path": "nope.txt"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestPathsConfinedToWorkspace(t *testing.T) {
	d, _ := newDriver(t)
	_, err := d.Execute(context.Background(), "write_file", map[string]any{"path": "../escape.txt", "content": "x"})
	require.ErrorIs(t, err, workspace.ErrOutsideRoot)

	_, err = d.Execute(context.Background(), "make_dir", map[string]any{"path": "/etc/nightorder"})
	require.ErrorIs(t, err, workspace.ErrOutsideRoot)
}

func TestMakeDirAndList(t *testing.T) {
	d, _ := newDriver(t)
	ctx := context.Background()
	_, err := d.Execute(ctx, "make_dir", map[string]any{"path": "pkg/sub"})
	require.NoError(t, err)
	_, err = d.Execute(ctx, "write_file", map[string]any{"path": "README.md", "content": "#"})
	require.NoError(t, err)

	res, err := d.Execute(ctx, "list_files", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg/", "README.md"}, res.Output)
}

func TestRunCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell")
	}
	d, root := newDriver(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0o755))

	res, err := d.Execute(ctx, "run_command", map[string]any{"command": "pwd", "cwd": "app"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	out := res.Output.(ExecResult)
	assert.Contains(t, out.Stdout, "app")

	res, err = d.Execute(ctx, "run_command", map[string]any{"command": "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "oops", res.Error)
	assert.Equal(t, 3, res.Output.(ExecResult).ExitCode)
}

func TestUnknownTool(t *testing.T) {
	d, _ := newDriver(t)
	_, err := d.Execute(context.Background(), "teleport", nil)
	require.ErrorIs(t, err, ErrUnknownTool)
}
