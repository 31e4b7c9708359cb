package probe

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

func newWorkspaceMatrix(t *testing.T) (*Matrix, string) {
	t.Helper()
	root := t.TempDir()
	dir, err := workspace.New(root)
	require.NoError(t, err)
	return NewMatrix(Config{Files: dir}), root
}

func TestRunProbes_FileAppears(t *testing.T) {
	m, root := newWorkspaceMatrix(t)
	probes := []Probe{{Type: KindFile, Target: "out.txt"}}

	rep := m.RunProbes(context.Background(), probes)
	assert.False(t, rep.Passed)
	assert.Equal(t, 1, rep.Total)
	assert.Equal(t, 0, rep.PassedCount)

	require.NoError(t, os.WriteFile(filepath.Join(root, "out.txt"), []byte("done"), 0o600))
	rep = m.RunProbes(context.Background(), probes)
	assert.True(t, rep.Passed)
	assert.Equal(t, 1, rep.PassedCount)
}

type recordedOp struct {
	name  string
	attrs []attribute.KeyValue
	err   error
}

type fakeTracker struct{ ops []recordedOp }

func (f *fakeTracker) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(err error) { f.ops = append(f.ops, recordedOp{name: name, attrs: attrs, err: err}) }
}

func TestRunProbe_Tracked(t *testing.T) {
	root := t.TempDir()
	dir, err := workspace.New(root)
	require.NoError(t, err)
	tracker := &fakeTracker{}
	m := NewMatrix(Config{Files: dir, Tracker: tracker})

	require.NoError(t, os.WriteFile(filepath.Join(root, "ok.txt"), []byte("ok"), 0o600))
	rep := m.RunProbes(context.Background(), []Probe{
		{Type: KindFile, Target: "ok.txt"},
		{Type: "file", Target: "missing.txt"},
	})
	assert.False(t, rep.Passed)

	require.Len(t, tracker.ops, 2)
	assert.Equal(t, "probe.run", tracker.ops[0].name)
	assert.Contains(t, tracker.ops[0].attrs, attribute.String("nightorder.probe.kind", "FILE"))
	assert.NoError(t, tracker.ops[0].err)
	assert.True(t, fault.Is(tracker.ops[1].err, fault.KindProbeFailed))
}

func TestRunProbes_Empty(t *testing.T) {
	m, _ := newWorkspaceMatrix(t)
	rep := m.RunProbes(context.Background(), nil)
	assert.True(t, rep.Passed)
	assert.Zero(t, rep.Total)
}

func TestFileAndRegexPatterns(t *testing.T) {
	m := NewMatrix(Config{Files: workspace.Memory{"go.mod": "module example.com/x\n\ngo 1.24\n"}})
	ctx := context.Background()

	assert.True(t, m.RunProbe(ctx, Probe{Type: KindFile, Target: "go.mod", Pattern: `^module `}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindFile, Target: "go.mod", Pattern: `toolchain`}).OK)
	assert.True(t, m.RunProbe(ctx, Probe{Type: KindRegex, Target: "go.mod", Pattern: `go 1\.\d+`}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindRegex, Target: "go.mod"}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindRegex, Target: "missing", Pattern: "x"}).OK)

	res := m.RunProbe(ctx, Probe{Type: KindRegex, Target: "go.mod", Pattern: "("})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "invalid pattern")
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m := NewMatrix(Config{RatePerSecond: 100, Burst: 5})
	ctx := context.Background()

	assert.True(t, m.RunProbe(ctx, Probe{Type: KindHTTP, Target: srv.URL}).OK)
	assert.True(t, m.RunProbe(ctx, Probe{Type: KindHTTP, Target: srv.URL, Pattern: `healthy`}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindHTTP, Target: srv.URL, Pattern: `sick`}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindHTTP, Target: srv.URL + "/missing"}).OK)
	assert.True(t, m.RunProbe(ctx, Probe{Type: KindHTTP, Target: srv.URL + "/missing", Status: 404}).OK)
}

func TestHTTPProbe_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := NewMatrix(Config{Timeout: 50 * time.Millisecond})
	res := m.RunProbe(context.Background(), Probe{Type: KindHTTP, Target: srv.URL})
	assert.False(t, res.OK)
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestPortProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	m := NewMatrix(Config{Timeout: time.Second})
	assert.True(t, m.RunProbe(context.Background(), Probe{Type: KindPort, Target: addr}).OK)

	require.NoError(t, ln.Close())
	assert.False(t, m.RunProbe(context.Background(), Probe{Type: KindPort, Target: addr}).OK)
	assert.False(t, m.RunProbe(context.Background(), Probe{Type: KindPort, Target: "no-port"}).OK)
}

func TestProcessProbe(t *testing.T) {
	m := NewMatrix(Config{Processes: func(_ context.Context, name string) (bool, error) {
		switch name {
		case "postgres":
			return true, nil
		case "broken":
			return false, errors.New("boom")
		}
		return false, nil
	}})
	ctx := context.Background()
	assert.True(t, m.RunProbe(ctx, Probe{Type: KindProcess, Target: "postgres"}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindProcess, Target: "redis"}).OK)
	assert.False(t, m.RunProbe(ctx, Probe{Type: KindProcess, Target: "broken"}).OK)
}

func TestProbeNeverPanicsOutward(t *testing.T) {
	m := NewMatrix(Config{Processes: func(context.Context, string) (bool, error) {
		panic("finder exploded")
	}})
	res := m.RunProbe(context.Background(), Probe{Type: KindProcess, Target: "x"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "panicked")

	res = m.RunProbe(context.Background(), Probe{Type: "SMOKE", Target: "x"})
	assert.False(t, res.OK)
}

func TestKindUnmarshalIsCaseInsensitive(t *testing.T) {
	var p Probe
	require.NoError(t, json.Unmarshal([]byte(`{"type":"file","target":"out.txt"}`), &p))
	assert.Equal(t, KindFile, p.Type)
}
