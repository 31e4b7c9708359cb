// Package gatekeeper verifies that named sets of required artifacts exist
// before work may move on, typically before an agent handoff.
package gatekeeper

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

// DefaultHistorySize bounds the verification history.
const DefaultHistorySize = 100

// ErrGateNotFound is returned for unregistered gate names.
var ErrGateNotFound = errors.New("gate not found")

// Gate is a named set of required artifacts.
type Gate struct {
	Name        string   `json:"name" yaml:"name"`
	Required    []string `json:"required" yaml:"required"`
	Optional    []string `json:"optional,omitempty" yaml:"optional,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Options are the optional parts of a gate registration.
type Options struct {
	Optional    []string
	Description string
}

// Result is the outcome of verifying one gate.
type Result struct {
	Gate           string    `json:"gate"`
	Passed         bool      `json:"passed"`
	MissingFiles   []string  `json:"missing_files"`
	PresentFiles   []string  `json:"present_files"`
	OptionalFound  []string  `json:"optional_found,omitempty"`
	OptionalAbsent []string  `json:"optional_absent,omitempty"`
	Message        string    `json:"message"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// Err returns a GateFailed fault for a failing result.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return fault.New(fault.KindGateFailed, "%s", r.Message).
		WithDetail("gate", r.Gate).
		WithDetail("missing_files", r.MissingFiles)
}

// MultiResult aggregates several gates with logical AND.
type MultiResult struct {
	Passed       bool     `json:"passed"`
	Results      []Result `json:"results"`
	MissingFiles []string `json:"missing_files"`
	Message      string   `json:"message"`
}

// Config configures a Keeper.
type Config struct {
	Files       workspace.Files
	Bus         *eventbus.Bus
	HistorySize int
	Logger      *slog.Logger
}

// Keeper holds the gate registry.
type Keeper struct {
	mu      sync.Mutex
	gates   map[string]Gate
	ordered []string
	history []Result
	maxHist int

	files  workspace.Files
	bus    *eventbus.Bus
	logger *slog.Logger
	clock  func() time.Time
}

// New creates a gate keeper.
func New(cfg Config) *Keeper {
	k := &Keeper{
		gates:   make(map[string]Gate),
		maxHist: cfg.HistorySize,
		files:   cfg.Files,
		bus:     cfg.Bus,
		logger:  cfg.Logger,
		clock:   time.Now,
	}
	if k.maxHist <= 0 {
		k.maxHist = DefaultHistorySize
	}
	if k.logger == nil {
		k.logger = slog.Default().With("component", "gatekeeper")
	}
	return k
}

// WithClock overrides the clock for deterministic testing.
func (k *Keeper) WithClock(clock func() time.Time) *Keeper {
	k.clock = clock
	return k
}

// RegisterGate adds or replaces a gate.
func (k *Keeper) RegisterGate(name string, required []string, opts Options) error {
	if name == "" {
		return fmt.Errorf("gate name is required")
	}
	g := Gate{
		Name:        name,
		Required:    append([]string(nil), required...),
		Optional:    append([]string(nil), opts.Optional...),
		Description: opts.Description,
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, exists := k.gates[name]; !exists {
		k.ordered = append(k.ordered, name)
	}
	k.gates[name] = g
	return nil
}

// LoadGates registers every gate in gates.
func (k *Keeper) LoadGates(gates []Gate) error {
	for _, g := range gates {
		if err := k.RegisterGate(g.Name, g.Required, Options{Optional: g.Optional, Description: g.Description}); err != nil {
			return err
		}
	}
	return nil
}

// Gate returns a registered gate.
func (k *Keeper) Gate(name string) (Gate, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.gates[name]
	return g, ok
}

// Gates lists registered gates in registration order.
func (k *Keeper) Gates() []Gate {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Gate, 0, len(k.ordered))
	for _, name := range k.ordered {
		out = append(out, k.gates[name])
	}
	return out
}

// VerifyGate checks that every required file of the gate exists now.
// Optional files are recorded but never affect the outcome.
func (k *Keeper) VerifyGate(name string) (Result, error) {
	g, ok := k.Gate(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrGateNotFound, name)
	}
	if k.files == nil {
		return Result{}, fmt.Errorf("gatekeeper: no workspace configured")
	}

	res := Result{Gate: name, MissingFiles: []string{}, PresentFiles: []string{}, VerifiedAt: k.clock()}
	for _, f := range g.Required {
		if k.files.Exists(f) {
			res.PresentFiles = append(res.PresentFiles, f)
		} else {
			res.MissingFiles = append(res.MissingFiles, f)
		}
	}
	for _, f := range g.Optional {
		if k.files.Exists(f) {
			res.OptionalFound = append(res.OptionalFound, f)
		} else {
			res.OptionalAbsent = append(res.OptionalAbsent, f)
		}
	}
	res.Passed = len(res.MissingFiles) == 0
	if res.Passed {
		res.Message = fmt.Sprintf("gate %s passed: %d required artifacts present", name, len(g.Required))
	} else {
		res.Message = fmt.Sprintf("gate %s failed: missing %s", name, strings.Join(res.MissingFiles, ", "))
	}

	k.mu.Lock()
	k.history = append(k.history, res)
	if over := len(k.history) - k.maxHist; over > 0 {
		k.history = append([]Result(nil), k.history[over:]...)
	}
	k.mu.Unlock()

	k.logger.Debug("gate verified", "gate", name, "passed", res.Passed, "missing", len(res.MissingFiles))
	if k.bus != nil {
		k.bus.Publish(eventbus.GateVerified, "gatekeeper", map[string]any{
			"gate":          name,
			"passed":        res.Passed,
			"missing_files": res.MissingFiles,
		})
	}
	return res, nil
}

// VerifyMultipleGates verifies every gate; it passes only if all pass.
// An unknown gate fails the aggregate.
func (k *Keeper) VerifyMultipleGates(names []string) MultiResult {
	out := MultiResult{Passed: true, MissingFiles: []string{}}
	var failed []string
	for _, name := range names {
		res, err := k.VerifyGate(name)
		if err != nil {
			out.Passed = false
			failed = append(failed, name)
			out.Results = append(out.Results, Result{Gate: name, Message: err.Error(), MissingFiles: []string{}})
			continue
		}
		out.Results = append(out.Results, res)
		if !res.Passed {
			out.Passed = false
			failed = append(failed, name)
			out.MissingFiles = append(out.MissingFiles, res.MissingFiles...)
		}
	}
	if out.Passed {
		out.Message = fmt.Sprintf("%d gates passed", len(names))
	} else {
		out.Message = fmt.Sprintf("gates failed: %s", strings.Join(failed, ", "))
	}
	return out
}

// History returns past verifications, oldest first.
func (k *Keeper) History() []Result {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Result(nil), k.history...)
}
