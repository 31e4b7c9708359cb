// Package probe runs evidence checks against the workspace and the network.
//
// A probe never returns an error: every failure, including a timeout or a
// panic inside a check, is reported as a Result with OK false.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/observability"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

// DefaultTimeout bounds every probe that does not set its own.
const DefaultTimeout = 10 * time.Second

// Kind selects the check a probe performs.
type Kind string

const (
	KindFile    Kind = "FILE"
	KindHTTP    Kind = "HTTP"
	KindPort    Kind = "PORT"
	KindRegex   Kind = "REGEX"
	KindProcess Kind = "PROCESS"
)

// UnmarshalJSON accepts kinds in any case.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = Kind(strings.ToUpper(s))
	return nil
}

// Probe is one evidence check.
//
//	FILE     Target path exists; Pattern, if set, must match its content.
//	HTTP     GET Target returns Status (default 200); Pattern matches the body.
//	PORT     Target host:port accepts a TCP connection.
//	REGEX    Target file content matches Pattern.
//	PROCESS  a process named Target is running.
type Probe struct {
	Type      Kind   `json:"type"`
	Target    string `json:"target"`
	Pattern   string `json:"pattern,omitempty"`
	Status    int    `json:"status,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

func (p Probe) String() string {
	return fmt.Sprintf("%s %s", p.Type, p.Target)
}

// Result is the outcome of one probe.
type Result struct {
	Probe    Probe         `json:"probe"`
	OK       bool          `json:"ok"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Report aggregates a batch. Passed is true iff every probe passed.
type Report struct {
	Passed      bool     `json:"passed"`
	Total       int      `json:"total"`
	PassedCount int      `json:"passed_count"`
	Results     []Result `json:"results"`
}

// Failed returns the failing results.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.OK {
			out = append(out, res)
		}
	}
	return out
}

// ProcessFinder reports whether a process with the given name is running.
type ProcessFinder func(ctx context.Context, name string) (bool, error)

// OperationTracker wraps each probe in a span and RED metrics.
type OperationTracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Config configures a Matrix.
type Config struct {
	Files   workspace.Files
	Timeout time.Duration
	// RatePerSecond paces HTTP and PORT probes. Zero disables pacing.
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Processes     ProcessFinder
	Tracker       OperationTracker
	Logger        *slog.Logger
}

// Matrix runs probes.
type Matrix struct {
	files     workspace.Files
	timeout   time.Duration
	limiter   *rate.Limiter
	client    *http.Client
	processes ProcessFinder
	tracker   OperationTracker
	logger    *slog.Logger
}

// NewMatrix creates a probe runner.
func NewMatrix(cfg Config) *Matrix {
	m := &Matrix{
		files:     cfg.Files,
		timeout:   cfg.Timeout,
		client:    cfg.HTTPClient,
		processes: cfg.Processes,
		tracker:   cfg.Tracker,
		logger:    cfg.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	} else {
		m.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if m.client == nil {
		m.client = &http.Client{}
	}
	if m.processes == nil {
		m.processes = FindProcess
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "probe")
	}
	return m
}

// RunProbes runs probes sequentially and aggregates their results.
func (m *Matrix) RunProbes(ctx context.Context, probes []Probe) Report {
	rep := Report{Passed: true, Total: len(probes), Results: make([]Result, 0, len(probes))}
	for _, p := range probes {
		res := m.RunProbe(ctx, p)
		if res.OK {
			rep.PassedCount++
		} else {
			rep.Passed = false
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}

// RunProbe runs a single probe within its timeout.
func (m *Matrix) RunProbe(ctx context.Context, p Probe) (res Result) {
	p.Type = Kind(strings.ToUpper(string(p.Type)))
	if m.tracker != nil {
		var done func(error)
		ctx, done = m.tracker.TrackOperation(ctx, "probe.run", observability.ProbeOperation(string(p.Type), p.Target)...)
		defer func() {
			if res.OK {
				done(nil)
				return
			}
			done(fault.New(fault.KindProbeFailed, "%s: %s", p, res.Message))
		}()
	}
	timeout := m.timeout
	if p.TimeoutMS > 0 {
		timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		ok  bool
		msg string
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{false, fmt.Sprintf("probe panicked: %v", r)}
			}
		}()
		ok, msg := m.check(ctx, p)
		ch <- outcome{ok, msg}
	}()

	select {
	case o := <-ch:
		res = Result{Probe: p, OK: o.ok, Message: o.msg}
	case <-ctx.Done():
		res = Result{Probe: p, OK: false, Message: fmt.Sprintf("timed out after %s", timeout)}
	}
	res.Duration = time.Since(start)
	m.logger.Debug("probe finished", "probe", p.String(), "ok", res.OK, "message", res.Message)
	return res
}

func (m *Matrix) check(ctx context.Context, p Probe) (bool, string) {
	if p.Target == "" {
		return false, "probe target is empty"
	}
	switch p.Type {
	case KindFile:
		return m.checkFile(p)
	case KindRegex:
		return m.checkRegex(p)
	case KindHTTP:
		if err := m.limiter.Wait(ctx); err != nil {
			return false, fmt.Sprintf("rate limit: %v", err)
		}
		return m.checkHTTP(ctx, p)
	case KindPort:
		if err := m.limiter.Wait(ctx); err != nil {
			return false, fmt.Sprintf("rate limit: %v", err)
		}
		return checkPort(ctx, p)
	case KindProcess:
		return m.checkProcess(ctx, p)
	default:
		return false, fmt.Sprintf("unknown probe type %q", p.Type)
	}
}
