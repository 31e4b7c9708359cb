package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/gatekeeper"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

func newGateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Verify artifact gates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured gates",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKeeper(opts)
			if err != nil {
				return err
			}
			gates := k.Gates()
			if opts.Format == "json" {
				return writeJSON(opts.stdout, gates)
			}
			for _, g := range gates {
				fmt.Fprintf(opts.stdout, "%-16s %s\n", g.Name, strings.Join(g.Required, ", "))
				if g.Description != "" {
					fmt.Fprintln(opts.stdout, indent(dimStyle.Render(g.Description)))
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [gate...]",
		Short: "Verify gates (all configured gates when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := openKeeper(opts)
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				for _, g := range k.Gates() {
					names = append(names, g.Name)
				}
			}
			if len(names) == 0 {
				return NewExitError(ExitCommandError, "no gates configured")
			}
			res := k.VerifyMultipleGates(names)
			if opts.Format == "json" {
				if err := writeJSON(opts.stdout, res); err != nil {
					return err
				}
			} else {
				for _, r := range res.Results {
					if r.Passed {
						fmt.Fprintln(opts.stdout, successStyle.Render("✓ "+r.Gate)+dimStyle.Render(" "+r.Message))
						continue
					}
					fmt.Fprintln(opts.stdout, errorStyle.Render("✗ "+r.Gate)+" "+r.Message)
					for _, f := range r.MissingFiles {
						fmt.Fprintln(opts.stdout, indent("missing "+f))
					}
				}
			}
			if !res.Passed {
				return NewExitError(ExitFailure, res.Message)
			}
			return nil
		},
	})
	return cmd
}

func openKeeper(opts *rootOptions) (*gatekeeper.Keeper, error) {
	ws, err := workspace.New(opts.cfg.Workspace)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "workspace", err)
	}
	k, err := buildKeeper(opts.cfg, ws, nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "initialize", err)
	}
	return k, nil
}
