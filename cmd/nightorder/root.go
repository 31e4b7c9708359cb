package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/config"
)

// validFormats are the allowed output formats.
var validFormats = []string{"text", "json"}

// rootOptions holds global flags and the loaded configuration.
type rootOptions struct {
	ConfigPath string
	Workspace  string
	Verbose    bool
	Format     string

	cfg    *config.Config
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nightorder",
		Short:         "Governed mission runner",
		Long:          "Runs tool missions behind a policy engine and an approval gate, verifies them with probes and records a trace of every run.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "load config", err)
			}
			if opts.Workspace != "" {
				cfg.Workspace = opts.Workspace
			}
			if opts.Verbose {
				cfg.Log.Level = "debug"
			}
			opts.cfg = cfg
			slog.SetDefault(newLogger(opts.stderr, cfg.Log))
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVarP(&opts.Workspace, "workspace", "w", "", "workspace root (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPolicyCommand(opts))
	cmd.AddCommand(newGateCommand(opts))
	cmd.AddCommand(newProbeCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newTraceCommand(opts))
	cmd.AddCommand(newAgentsCommand(opts))
	cmd.AddCommand(newVersionCommand(opts))
	return cmd
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// exactArgs is cobra.ExactArgs with the command-error exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return WrapExitError(ExitCommandError, "invalid arguments", err)
		}
		return nil
	}
}
