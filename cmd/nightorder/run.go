package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/approval"
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/mission"
	"github.com/Mindburn-Labs/nightorder/pkg/tooldriver"
)

type runOptions struct {
	Bypass      bool
	AutoApprove bool
	Narrate     bool
	AutoFix     bool
	Quiet       bool
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <mission.json>",
		Short: "Execute a mission",
		Long: `Execute the steps of a mission file. Mutating steps are checked by the
policy engine and wait for approval; steps with probes are verified after
they run. A failing step is reflected on and, when a fix is proposed,
resubmitted as a remediation mission.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMission(cmd.Context(), opts, ro, args[0])
		},
	}
	cmd.Flags().BoolVar(&ro.Bypass, "bypass", false, "approve every request without a token (CRITICAL policy still applies)")
	cmd.Flags().BoolVar(&ro.AutoApprove, "auto-approve", false, "grant every pending approval request")
	cmd.Flags().BoolVar(&ro.Narrate, "narrate", false, "explain each step before and after it runs")
	cmd.Flags().BoolVar(&ro.AutoFix, "auto-fix", false, "apply policy auto-fixes to commands")
	cmd.Flags().BoolVarP(&ro.Quiet, "quiet", "q", false, "print only the final result")
	return cmd
}

func runMission(ctx context.Context, opts *rootOptions, ro *runOptions, path string) error {
	cfg := opts.cfg
	m, err := mission.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "load mission", err)
	}

	a, err := newApp(ctx, cfg, ro.Bypass)
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize", err)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()

	driver, err := tooldriver.New(tooldriver.Config{Workspace: a.ws, CommandTimeout: cfg.Mission.CommandTimeout})
	if err != nil {
		return WrapExitError(ExitCommandError, "tool driver", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = a.approvals.Run(ctx) }()

	text := opts.Format == "text"
	var n *narrator
	if text && !ro.Quiet {
		n = newNarrator(opts.stdout)
		a.bus.On(nil, n.handle)
	}
	switch {
	case ro.AutoApprove:
		a.bus.On([]eventbus.Type{eventbus.ApprovalRequest}, func(e eventbus.Event) {
			id := e.String("request_id")
			go func() {
				if _, err := a.approvals.Approve(id); err != nil {
					a.logger.Warn("auto-approve", "request_id", id, "error", err)
				}
			}()
		})
	case text:
		if n == nil {
			n = newNarrator(opts.stderr)
		}
		p := newPrompter(a.approvals, n, opts.stdin, a.logger)
		a.bus.On([]eventbus.Type{eventbus.ApprovalRequest}, p.enqueue)
		go p.run(ctx)
	}

	runner, err := mission.NewRunner(mission.Config{
		Tools:           driver,
		Policy:          a.policy,
		Approvals:       a.approvals,
		Probes:          a.probes,
		Bus:             a.bus,
		Tracer:          a.tracer,
		Tracker:         a.telemetry,
		Narration:       cfg.Mission.Narration || ro.Narrate,
		AutoFix:         cfg.Policy.AutoFix || ro.AutoFix,
		Bypass:          ro.Bypass,
		MaxRemediations: cfg.Mission.MaxRemediations,
		MutatingTools:   cfg.Mission.MutatingTools,
		Context:         a.policyContext(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "mission runner", err)
	}

	res, runErr := runner.ExecuteMission(ctx, m)
	if res != nil {
		if text {
			printResult(opts.stdout, res)
		} else if err := writeJSON(opts.stdout, res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "mission stopped", runErr)
	}
	if final := res.Final(); final.Status != mission.StatusCompleted {
		return NewExitError(ExitFailure, fmt.Sprintf("mission %s", final.Status))
	}
	return nil
}

func printResult(w io.Writer, res *mission.Result) {
	for r := res; r != nil; r = r.Remediation {
		completed := 0
		for _, s := range r.Steps {
			if s.Status == mission.StatusCompleted {
				completed++
			}
		}
		fmt.Fprintf(w, "run %s depth=%d status=%s steps=%d/%d", r.RunID, r.Depth, r.Status, completed, len(r.Steps))
		if r.TraceID != "" {
			fmt.Fprintf(w, " trace=%s", r.TraceID)
		}
		fmt.Fprintln(w)
		if r.Analysis != nil {
			fmt.Fprintln(w, indent(wrap("root cause: "+r.Analysis.RootCause)))
		}
	}
}

// prompter asks the operator to settle approval requests one at a time.
type prompter struct {
	gate   *approval.Gate
	n      *narrator
	in     io.Reader
	queue  chan eventbus.Event
	logger *slog.Logger
}

func newPrompter(gate *approval.Gate, n *narrator, in io.Reader, logger *slog.Logger) *prompter {
	return &prompter{gate: gate, n: n, in: in, queue: make(chan eventbus.Event, 16), logger: logger}
}

// enqueue is a bus listener; it never blocks the publisher.
func (p *prompter) enqueue(e eventbus.Event) {
	select {
	case p.queue <- e:
	default:
		p.logger.Warn("approval prompt queue full", "request_id", e.String("request_id"))
	}
}

func (p *prompter) run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(p.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var e eventbus.Event
		select {
		case <-ctx.Done():
			return
		case e = <-p.queue:
		}
		id := e.String("request_id")
		p.n.promptApproval(e)

		var (
			answer string
			ok     bool
		)
		select {
		case <-ctx.Done():
			return
		case answer, ok = <-lines:
		}

		var err error
		switch {
		case !ok:
			err = p.gate.Deny(id, "no operator input")
		case isYes(answer):
			_, err = p.gate.Approve(id)
		default:
			err = p.gate.Deny(id, "denied by operator")
		}
		if errors.Is(err, approval.ErrNotPending) {
			p.logger.Info("approval request already settled", "request_id", id)
		} else if err != nil {
			p.logger.Warn("settle approval", "request_id", id, "error", err)
		}
	}
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}
