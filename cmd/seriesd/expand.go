package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zaman-cal/seriesd/internal/timeutil"
	"github.com/zaman-cal/seriesd/server/recurrence"
)

type expandOptions struct {
	start  string
	from   string
	to     string
	limit  int
	asJSON bool
}

func newExpandCmd() *cobra.Command {
	opts := &expandOptions{}
	cmd := &cobra.Command{
		Use:   "expand RULE",
		Short: "Print the candidate starts of a recurrence rule",
		Example: `  seriesd expand "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=6" --start 2024-01-01T09:00:00Z
  seriesd expand "FREQ=DAILY" --start 2024-01-01 --to 2024-01-10 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpand(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.start, "start", "", "first occurrence start (required)")
	cmd.Flags().StringVar(&opts.from, "from", "", "window start, defaults to --start")
	cmd.Flags().StringVar(&opts.to, "to", "", "window end, defaults to one year after the window start")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "print at most this many candidates")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print a JSON array")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func runExpand(cmd *cobra.Command, raw string, opts *expandOptions) error {
	rule, err := recurrence.ParseRule(raw)
	if err != nil {
		return err
	}
	start, err := timeutil.ParseTimestamp(opts.start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	from := start
	if opts.from != "" {
		if from, err = timeutil.ParseTimestamp(opts.from); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	to := from.AddDate(1, 0, 0)
	if opts.to != "" {
		if to, err = timeutil.ParseTimestamp(opts.to); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
	}

	engine := recurrence.NewEngineWithConfig(recurrence.DisabledCacheConfig)
	defer engine.Close()
	candidates, err := engine.Generate(rule, start, from, to)
	if err != nil {
		return err
	}
	if opts.limit > 0 && len(candidates) > opts.limit {
		candidates = candidates[:opts.limit]
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		if candidates == nil {
			candidates = []time.Time{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(candidates)
	}
	for _, c := range candidates {
		fmt.Fprintln(out, c.Format(time.RFC3339))
	}
	return nil
}
