package mission

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/nightorder/pkg/approval"
	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
	"github.com/Mindburn-Labs/nightorder/pkg/fault"
	"github.com/Mindburn-Labs/nightorder/pkg/observability"
	"github.com/Mindburn-Labs/nightorder/pkg/policy"
)

// executeStep walks one step through
// NARRATE_BEFORE -> GATE -> EXECUTE -> VERIFY -> NARRATE_AFTER -> DONE.
//
// A non-nil error stops the mission. A non-nil failure marks the step failed
// and, for reflectable kinds, ends the run with a reflection.
func (x *execution) executeStep(ctx context.Context, step Step) (sr StepResult, f *failure, err error) {
	r := x.runner
	sr = StepResult{StepID: step.ID, Tool: step.Tool, StartedAt: r.clock()}

	if r.cfg.Tracker != nil {
		var done func(error)
		ctx, done = r.cfg.Tracker.TrackOperation(ctx, "mission.step", observability.StepOperation(step.ID, step.Tool)...)
		defer func() {
			if err == nil && f != nil {
				done(errors.New(f.err))
				return
			}
			done(err)
		}()
	}

	defer func() {
		sr.EndedAt = r.clock()
		payload := map[string]any{
			"step_id": step.ID,
			"tool":    step.Tool,
			"status":  string(sr.Status),
		}
		if sr.Kind != "" {
			payload["kind"] = string(sr.Kind)
			payload["error"] = sr.Error
		}
		x.publish(eventbus.StepEnd, payload)
	}()

	x.publish(eventbus.StepStart, map[string]any{"step_id": step.ID, "tool": step.Tool})
	x.narrateBefore(step)

	args := cloneArgs(step.Args)
	if r.mutating[step.Tool] {
		var denied *failure
		args, denied, err = x.gate(ctx, step, args)
		if err != nil {
			sr.Status = StatusFailed
			if k, ok := fault.KindOf(err); ok {
				sr.Kind = k
			}
			sr.Error = err.Error()
			x.reportFailure(ctx, sr)
			return sr, nil, err
		}
		if denied != nil {
			sr.Status = StatusFailed
			sr.Kind = denied.kind
			sr.Error = denied.err
			r.logger.Info("step not approved", "run_id", x.run.id, "step_id", step.ID, "kind", denied.kind)
			x.reportFailure(ctx, sr)
			return sr, denied, nil
		}
	}

	out, execErr := x.execute(ctx, step, args)
	sr.Output = out.Output
	sr.Diff = out.Diff
	sr.Summary = out.Summary
	if execErr != nil || !out.Success {
		msg := out.Error
		if execErr != nil {
			msg = execErr.Error()
		}
		if msg == "" {
			msg = fmt.Sprintf("tool %s reported failure", step.Tool)
		}
		sr.Status = StatusFailed
		sr.Kind = fault.KindToolExecutionError
		sr.Error = msg
		x.reportFailure(ctx, sr)
		return sr, &failure{step: step, kind: sr.Kind, err: msg}, nil
	}

	if len(step.Verify) > 0 {
		if r.cfg.Probes == nil {
			sr.Status = StatusFailed
			sr.Kind = fault.KindProbeFailed
			sr.Error = "step declares verification but no probe matrix is configured"
			x.reportFailure(ctx, sr)
			return sr, &failure{step: step, kind: sr.Kind, err: sr.Error}, nil
		}
		report := r.cfg.Probes.RunProbes(ctx, step.Verify)
		sr.Probes = &report
		for _, pr := range report.Results {
			x.publish(eventbus.ProbeResult, map[string]any{
				"step_id": step.ID,
				"probe":   pr.Probe.String(),
				"ok":      pr.OK,
				"message": pr.Message,
			})
		}
		if r.cfg.Narration {
			x.publish(eventbus.NarrationVerify, map[string]any{
				"step_id":      step.ID,
				"passed":       report.Passed,
				"passed_count": report.PassedCount,
				"total":        report.Total,
			})
		}
		if !report.Passed {
			sr.Status = StatusFailed
			sr.Kind = fault.KindProbeFailed
			sr.Error = fmt.Sprintf("%d of %d probes failed", report.Total-report.PassedCount, report.Total)
			x.reportFailure(ctx, sr)
			return sr, &failure{step: step, kind: sr.Kind, err: sr.Error, probes: &report}, nil
		}
	}

	if r.cfg.Narration && step.Explain != nil {
		x.publish(eventbus.NarrationAfter, map[string]any{
			"step_id": step.ID,
			"summary": out.Summary,
			"diff":    out.Diff,
		})
	}
	sr.Status = StatusCompleted
	return sr, nil, nil
}

// reportFailure publishes the ERROR event of a caught step failure and marks
// it on the step span.
func (x *execution) reportFailure(ctx context.Context, sr StepResult) {
	x.publish(eventbus.Error, map[string]any{
		"step_id": sr.StepID,
		"tool":    sr.Tool,
		"kind":    string(sr.Kind),
		"message": sr.Error,
	})
	observability.AddSpanEvent(ctx, "step.failed",
		observability.AttrStepID.String(sr.StepID),
		observability.AttrErrorKind.String(string(sr.Kind)),
	)
}

func (x *execution) narrateBefore(step Step) {
	if !x.runner.cfg.Narration || step.Explain == nil {
		return
	}
	x.publish(eventbus.NarrationBefore, map[string]any{
		"step_id":   step.ID,
		"goal":      step.Explain.Goal,
		"rationale": step.Explain.Rationale,
		"tradeoffs": step.Explain.Tradeoffs,
		"checklist": step.Explain.Checklist,
	})
}

// gate runs policy enforcement and approval for a mutating step. It returns
// the (possibly auto-fixed) args, a failure when approval was not granted,
// or an error that stops the mission.
func (x *execution) gate(ctx context.Context, step Step, args map[string]any) (map[string]any, *failure, error) {
	r := x.runner
	in := x.policyInput(step, args)

	if r.cfg.Policy != nil {
		if r.cfg.AutoFix {
			fixed := r.cfg.Policy.AutoFix(in)
			if fixed.Changed {
				in = fixed.Input
				applyInput(args, in)
				descs := make([]string, 0, len(fixed.Applied))
				for _, a := range fixed.Applied {
					descs = append(descs, a.Description)
				}
				r.logger.Info("policy auto-fix applied", "step_id", step.ID, "fixes", descs)
			}
		}
		res, err := r.cfg.Policy.Enforce(in)
		if len(res.Violations) > 0 {
			names := make([]string, 0, len(res.Violations))
			for _, v := range res.Violations {
				names = append(names, v.Rule)
			}
			x.publish(eventbus.PolicyViolation, map[string]any{
				"step_id":     step.ID,
				"command":     in.Command,
				"violations":  names,
				"summary":     res.Summary,
				"can_proceed": res.CanProceed,
			})
		}
		if err != nil {
			return nil, nil, err
		}
	}

	if r.cfg.Approvals == nil {
		return args, nil, nil
	}
	proposal := approval.Proposal{
		Tool:      step.Tool,
		Args:      args,
		Input:     in,
		MissionID: x.mission.ID,
		StepID:    step.ID,
		TraceID:   x.result.TraceID,
	}
	if step.Explain != nil {
		proposal.Description = step.Explain.Goal
	}
	decision, err := r.cfg.Approvals.RequestApproval(ctx, proposal, approval.Options{Bypass: r.cfg.Bypass})
	if err != nil {
		return nil, nil, err
	}
	if !decision.Approved {
		derr := decision.Err()
		kind, _ := fault.KindOf(derr)
		return nil, &failure{step: step, kind: kind, err: derr.Error()}, nil
	}
	if decision.Token == nil {
		// Bypassed requests carry no token.
		return args, nil, nil
	}
	redeemed, err := r.cfg.Approvals.UseToken(decision.Token.Token)
	if err != nil {
		return nil, nil, err
	}
	if redeemed.Tool != step.Tool || redeemed.StepID != step.ID {
		return nil, nil, fault.New(fault.KindInvalidToken, "approval token was issued for %s/%s", redeemed.StepID, redeemed.Tool)
	}
	return args, nil, nil
}

// execute invokes the tool, converting panics into tool errors.
func (x *execution) execute(ctx context.Context, step Step, args map[string]any) (out ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", step.Tool, p)
		}
		payload := map[string]any{
			"step_id": step.ID,
			"tool":    step.Tool,
			"args":    args,
			"success": err == nil && out.Success,
			"summary": out.Summary,
		}
		if path, ok := args["path"].(string); ok && path != "" {
			payload["path"] = path
		}
		x.publish(eventbus.ToolCall, payload)
	}()
	return x.runner.cfg.Tools.Execute(ctx, step.Tool, args)
}

func (x *execution) policyInput(step Step, args map[string]any) policy.Input {
	in := policy.Input{Tool: step.Tool, Context: x.runner.cfg.Context}
	in.Command, _ = args["command"].(string)
	in.Cwd, _ = args["cwd"].(string)
	in.Path, _ = args["path"].(string)
	return in
}

func applyInput(args map[string]any, in policy.Input) {
	if in.Command != "" {
		args["command"] = in.Command
	}
	if in.Cwd != "" {
		args["cwd"] = in.Cwd
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
