package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/observability"
	"github.com/Mindburn-Labs/nightorder/pkg/trace"
)

func newTraceCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Browse archived traces (requires trace.driver)",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent traces",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = archive.Close() }()
			rows, err := archive.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list traces: %w", err)
			}
			if opts.Format == "json" {
				return writeJSON(opts.stdout, rows)
			}
			for _, r := range rows {
				style := successStyle
				if r.Status != trace.StatusCompleted {
					style = errorStyle
				}
				fmt.Fprintf(opts.stdout, "%s  %s  %s  %s\n",
					dimStyle.Render(r.StartTime.Format("2006-01-02 15:04:05")), r.ID, style.Render(fmt.Sprintf("%-9s", r.Status)), r.Agent)
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of traces")

	show := &cobra.Command{
		Use:   "show <trace-id>",
		Short: "Print one archived trace",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := openArchive(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = archive.Close() }()
			rec, err := archive.Get(cmd.Context(), args[0])
			if errors.Is(err, trace.ErrTraceNotFound) {
				return WrapExitError(ExitFailure, "show trace", err)
			}
			if err != nil {
				return fmt.Errorf("show trace: %w", err)
			}
			if opts.Format == "json" {
				return writeJSON(opts.stdout, rec)
			}
			printRecord(opts, rec)
			return nil
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func openArchive(cmd *cobra.Command, opts *rootOptions) (*trace.SQLArchive, error) {
	tc := opts.cfg.Trace
	if tc.Driver == "" {
		return nil, NewExitError(ExitCommandError, "no trace archive: set trace.driver and trace.dsn")
	}
	archive, err := trace.OpenSQLArchive(cmd.Context(), tc.Driver, tc.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open trace archive", err)
	}
	return archive, nil
}

func printRecord(opts *rootOptions, rec *trace.Record) {
	w := opts.stdout
	fmt.Fprintln(w, titleStyle.Render(rec.Agent)+" "+rec.ID)
	if rec.Task != "" {
		fmt.Fprintln(w, indent(wrap(rec.Task)))
	}
	m := rec.Metrics
	fmt.Fprintf(w, "status=%s duration=%dms steps=%d tools=%d errors=%d success=%.0f%%\n",
		rec.Status, m.DurationMS, m.StepCount, m.ToolCallCount, m.ErrorCount, m.SuccessRate*100)
	for _, s := range rec.Steps {
		fmt.Fprintf(w, "  step  %-10s %s\n", s.Status, s.Name)
	}
	for _, tc := range rec.ToolCalls {
		mark := "ok"
		if !tc.Success {
			mark = "failed"
		}
		fmt.Fprintf(w, "  tool  %-10s %s %s\n", mark, tc.Tool, dimStyle.Render(tc.Summary))
	}
	for _, h := range rec.Handoffs {
		fmt.Fprintf(w, "  hand  %s -> %s\n", h.From, h.To)
	}
	for _, a := range rec.Approvals {
		fmt.Fprintf(w, "  appr  %-10s %s\n", a.Outcome, a.Tool)
	}
	for _, e := range rec.Errors {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("  err   %s %s", e.Kind, e.Message)))
	}
	if rec.ContentHash != "" {
		fmt.Fprintln(w, dimStyle.Render("hash "+rec.ContentHash))
	}
}

func newVersionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(opts.stdout, "nightorder %s\n", observability.Version)
			return err
		},
	}
}
