package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/coordinator"
	"github.com/Mindburn-Labs/nightorder/pkg/hierarchy"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

// noWork is the logic of agents registered from config: the CLI checks
// registration and handoff rules, agents do their work elsewhere.
var noWork = coordinator.LogicFunc(func(context.Context, coordinator.Task) (coordinator.Result, error) {
	return coordinator.Result{}, nil
})

func newAgentsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect configured agents and handoff rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents with their authority level",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, arbiter, err := openCoordinator(opts)
			if err != nil {
				return err
			}
			type row struct {
				coordinator.Agent
				Level string `json:"level"`
			}
			var rows []row
			for _, a := range c.Agents() {
				rows = append(rows, row{Agent: a, Level: arbiter.LevelOf(a.Role).String()})
			}
			if opts.Format == "json" {
				return writeJSON(opts.stdout, rows)
			}
			for _, r := range rows {
				fmt.Fprintf(opts.stdout, "%-14s %-13s -> %s\n", r.Name, r.Level, strings.Join(r.HandoffTargets, ", "))
				if len(r.GatesRequired) > 0 {
					fmt.Fprintln(opts.stdout, indent(dimStyle.Render("gates: "+strings.Join(r.GatesRequired, ", "))))
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "handoff <from> <to>",
		Short: "Check whether work may be handed from one agent to another",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := openCoordinator(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sid, err := c.StartSession(ctx, args[0], "handoff check")
			if err != nil {
				return WrapExitError(ExitCommandError, "start session", err)
			}
			res, err := c.Handoff(sid, args[1], nil)
			if err != nil {
				return err
			}
			status := coordinator.SessionCompleted
			if !res.Success {
				status = coordinator.SessionFailed
			}
			if _, err := c.EndSession(ctx, sid, status); err != nil {
				return err
			}
			if opts.Format == "json" {
				if err := writeJSON(opts.stdout, res); err != nil {
					return err
				}
			} else if res.Success {
				fmt.Fprintln(opts.stdout, successStyle.Render(fmt.Sprintf("✓ %s -> %s", res.From, res.To)))
			} else {
				fmt.Fprintln(opts.stdout, errorStyle.Render(fmt.Sprintf("✗ %s -> %s", res.From, res.To))+" "+res.Error)
				for _, f := range res.MissingFiles {
					fmt.Fprintln(opts.stdout, indent("missing "+f))
				}
			}
			if !res.Success {
				return NewExitError(ExitFailure, "handoff refused")
			}
			return nil
		},
	})
	return cmd
}

func openCoordinator(opts *rootOptions) (*coordinator.Coordinator, *hierarchy.Arbiter, error) {
	ws, err := workspace.New(opts.cfg.Workspace)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "workspace", err)
	}
	keeper, err := buildKeeper(opts.cfg, ws, nil)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "initialize", err)
	}
	arbiter := hierarchy.NewArbiter(nil)
	c := coordinator.New(coordinator.Config{
		Gates:       keeper,
		Arbiter:     arbiter,
		MaxHops:     opts.cfg.Coordinator.MaxHops,
		Parallelism: opts.cfg.Coordinator.Parallelism,
	})
	for _, a := range opts.cfg.Agents {
		err := c.RegisterAgent(a.Name, coordinator.AgentConfig{
			Role:           a.Role,
			HandoffTargets: a.HandoffTargets,
			GatesRequired:  a.GatesRequired,
			Logic:          noWork,
		})
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "register agent", err)
		}
	}
	return c, arbiter, nil
}
