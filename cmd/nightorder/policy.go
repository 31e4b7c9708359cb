package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/policy"
)

type policyOptions struct {
	Command string
	Cwd     string
	Path    string
	Tool    string
	Strict  bool
}

func newPolicyCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and evaluate policy rules",
	}
	cmd.AddCommand(newPolicyCheckCommand(opts))
	cmd.AddCommand(newPolicyFixCommand(opts))
	cmd.AddCommand(newPolicyRulesCommand(opts))
	return cmd
}

func (po *policyOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&po.Command, "command", "", "shell command to evaluate")
	cmd.Flags().StringVar(&po.Cwd, "cwd", "", "working directory of the command")
	cmd.Flags().StringVar(&po.Path, "path", "", "file the operation touches")
	cmd.Flags().StringVar(&po.Tool, "tool", "run_command", "tool name")
}

func (po *policyOptions) input(opts *rootOptions) (policy.Input, error) {
	root, err := filepath.Abs(opts.cfg.Workspace)
	if err != nil {
		return policy.Input{}, err
	}
	return policy.Input{
		Command: po.Command,
		Cwd:     po.Cwd,
		Path:    po.Path,
		Tool:    po.Tool,
		Context: policyContext(opts.cfg, root),
	}, nil
}

func newPolicyCheckCommand(opts *rootOptions) *cobra.Command {
	po := &policyOptions{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a proposed operation",
		Long:  "Validate a proposed operation. Exits 1 when a CRITICAL rule matches, or on any violation with --strict.",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildPolicy(opts.cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "initialize", err)
			}
			in, err := po.input(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "workspace", err)
			}
			res := engine.Validate(in)
			if opts.Format == "json" {
				if err := writeJSON(opts.stdout, res); err != nil {
					return err
				}
			} else {
				printViolations(opts, res)
			}
			if !res.CanProceed || (po.Strict && !res.Valid) {
				return NewExitError(ExitFailure, "policy check failed")
			}
			return nil
		},
	}
	po.bind(cmd)
	cmd.Flags().BoolVar(&po.Strict, "strict", false, "fail on any violation")
	return cmd
}

func printViolations(opts *rootOptions, res policy.Result) {
	w := opts.stdout
	if res.Valid {
		fmt.Fprintln(w, successStyle.Render("✓ no violations"))
		return
	}
	for _, v := range res.Violations {
		style := policyStyle
		if v.Severity == policy.SeverityCritical {
			style = errorStyle
		}
		fmt.Fprintln(w, style.Render(fmt.Sprintf("%-8s %s", v.Severity, v.Rule)))
		fmt.Fprintln(w, indent(wrap(v.Message)))
		if v.Fix != "" {
			fmt.Fprintln(w, indent(dimStyle.Render(wrap("fix: "+v.Fix))))
		}
	}
	fmt.Fprintln(w, res.Summary)
}

func newPolicyFixCommand(opts *rootOptions) *cobra.Command {
	po := &policyOptions{}
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Apply mechanical auto-fixes to a command",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildPolicy(opts.cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "initialize", err)
			}
			in, err := po.input(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "workspace", err)
			}
			res := engine.AutoFix(in)
			if opts.Format == "json" {
				return writeJSON(opts.stdout, res)
			}
			w := opts.stdout
			if !res.Changed {
				fmt.Fprintln(w, "no fixes applied")
			}
			for _, f := range res.Applied {
				fmt.Fprintln(w, successStyle.Render("fixed "+f.Rule)+dimStyle.Render(": "+f.Description))
			}
			fmt.Fprintf(w, "command: %s\n", res.Input.Command)
			if res.Input.Cwd != "" {
				fmt.Fprintf(w, "cwd:     %s\n", res.Input.Cwd)
			}
			for _, v := range res.Remaining {
				fmt.Fprintln(w, policyStyle.Render(fmt.Sprintf("remaining %s %s", v.Severity, v.Rule)))
			}
			return nil
		},
	}
	po.bind(cmd)
	return cmd
}

func newPolicyRulesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the active rule catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := buildPolicy(opts.cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "initialize", err)
			}
			metas := make([]policy.Meta, 0, len(engine.Rules()))
			for _, r := range engine.Rules() {
				metas = append(metas, r.Meta())
			}
			if opts.Format == "json" {
				return writeJSON(opts.stdout, metas)
			}
			for _, m := range metas {
				fmt.Fprintf(opts.stdout, "%-8s %-28s %s\n", m.Severity, m.Name, m.Message)
			}
			return nil
		},
	}
}
