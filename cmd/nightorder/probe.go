package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/probe"
	"github.com/Mindburn-Labs/nightorder/pkg/workspace"
)

type probeOptions struct {
	Pattern string
	Status  int
	Timeout time.Duration
}

func newProbeCommand(opts *rootOptions) *cobra.Command {
	po := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe <file|http|port|regex|process> <target>",
		Short: "Run a single verification probe",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := probe.Kind(strings.ToUpper(args[0]))
			switch kind {
			case probe.KindFile, probe.KindHTTP, probe.KindPort, probe.KindRegex, probe.KindProcess:
			default:
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown probe type %q", args[0]))
			}
			ws, err := workspace.New(opts.cfg.Workspace)
			if err != nil {
				return WrapExitError(ExitCommandError, "workspace", err)
			}
			m := probe.NewMatrix(probe.Config{Files: ws, Timeout: opts.cfg.Probe.Timeout})
			p := probe.Probe{
				Type:      kind,
				Target:    args[1],
				Pattern:   po.Pattern,
				Status:    po.Status,
				TimeoutMS: int(po.Timeout / time.Millisecond),
			}
			res := m.RunProbe(cmd.Context(), p)
			if opts.Format == "json" {
				if err := writeJSON(opts.stdout, res); err != nil {
					return err
				}
			} else if res.OK {
				fmt.Fprintln(opts.stdout, successStyle.Render("✓ "+p.String())+dimStyle.Render(fmt.Sprintf(" %s (%s)", res.Message, res.Duration.Round(time.Millisecond))))
			} else {
				fmt.Fprintln(opts.stdout, errorStyle.Render("✗ "+p.String())+" "+res.Message)
			}
			if !res.OK {
				return NewExitError(ExitFailure, "probe failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&po.Pattern, "pattern", "", "regular expression the content must match")
	cmd.Flags().IntVar(&po.Status, "status", 0, "expected HTTP status (default 200)")
	cmd.Flags().DurationVar(&po.Timeout, "timeout", 0, "probe timeout (default from config)")
	return cmd
}
