package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nightorder/pkg/eventbus"
)

type eventsOptions struct {
	Path   string
	Lines  int
	Type   string
	Follow bool
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the persisted event log",
	}
	eo := &eventsOptions{}
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the last events of the JSONL log",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := eo.Path
			if path == "" {
				path = opts.cfg.EventBus.LogPath
			}
			if path == "" {
				return NewExitError(ExitCommandError, "no event log: set event_bus.log_path or --file")
			}
			events, skipped, err := eventbus.ReadLog(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "read event log", err)
			}
			if skipped > 0 {
				slog.Default().Warn("skipped malformed event lines", "path", path, "count", skipped)
			}
			seen := len(events)
			events = filterEvents(events, eventbus.Type(eo.Type))
			if eo.Lines > 0 && len(events) > eo.Lines {
				events = events[len(events)-eo.Lines:]
			}
			for _, e := range events {
				if err := printEvent(opts.stdout, opts.Format, e); err != nil {
					return err
				}
			}
			if !eo.Follow {
				return nil
			}
			return followLog(cmd.Context(), path, seen, func(e eventbus.Event) error {
				if eo.Type != "" && e.Type != eventbus.Type(eo.Type) {
					return nil
				}
				return printEvent(opts.stdout, opts.Format, e)
			})
		},
	}
	tail.Flags().StringVarP(&eo.Path, "file", "f", "", "event log path (default event_bus.log_path)")
	tail.Flags().IntVarP(&eo.Lines, "lines", "n", 20, "number of events to print (0 for all)")
	tail.Flags().StringVarP(&eo.Type, "type", "t", "", "only events of this type")
	tail.Flags().BoolVar(&eo.Follow, "follow", false, "keep printing events as they are appended")
	cmd.AddCommand(tail)
	return cmd
}

func filterEvents(events []eventbus.Event, t eventbus.Type) []eventbus.Event {
	if t == "" {
		return events
	}
	out := events[:0:0]
	for _, e := range events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func readOrEmpty(path string) []eventbus.Event {
	events, _, _ := eventbus.ReadLog(path)
	return events
}

// followLog watches path and calls emit for every event past the first
// seen entries. It returns when ctx is done.
func followLog(ctx context.Context, path string, seen int, emit func(eventbus.Event) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish the line.
			time.Sleep(50 * time.Millisecond)
			events := readOrEmpty(path)
			if len(events) < seen {
				// Truncated or rotated.
				seen = 0
			}
			for _, e := range events[seen:] {
				if err := emit(e); err != nil {
					return err
				}
			}
			seen = len(events)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Default().Warn("event log watcher", "error", err)
		}
	}
}

func printEvent(w io.Writer, format string, e eventbus.Event) error {
	if format == "json" {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	line := dimStyle.Render(e.Timestamp.Format("15:04:05.000")) + " " +
		toolStyle.Render(fmt.Sprintf("%-18s", e.Type)) + " " + e.Source
	for _, key := range []string{"mission", "step_id", "tool", "status", "message"} {
		if v := e.String(key); v != "" {
			line += dimStyle.Render(" "+key+"=") + v
		}
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
