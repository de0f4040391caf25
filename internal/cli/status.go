package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/screensync/internal/checkpoint"
	"github.com/kimhsiao/screensync/internal/sync/queue"
)

// StatusReport is the output of the status command.
type StatusReport struct {
	DataDir    string         `json:"data_dir"`
	Strategy   string         `json:"conflict_strategy"`
	Checkpoint *time.Time     `json:"checkpoint,omitempty"`
	Counts     map[string]int `json:"counts"`
	Outbox     queue.Stats    `json:"outbox"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store counts, outbox state and the sync checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	out := formatter(opts, cmd.OutOrStdout())
	ctx := commandContext(cmd)

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report := StatusReport{DataDir: a.Config.DataDir, Strategy: a.Coordinator.Strategy()}
	if report.Counts, err = a.Store.Counts(ctx); err != nil {
		return WrapExitError(ExitFailure, "status", out.Failure(err))
	}
	if report.Outbox, err = a.Queue.GetStats(ctx); err != nil {
		return WrapExitError(ExitFailure, "status", out.Failure(err))
	}
	cp, err := a.Checkpoint.Get(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "status", out.Failure(err))
	}
	if !cp.Equal(checkpoint.Epoch) {
		report.Checkpoint = &cp
	}

	return out.Success(report, func(w io.Writer) { printStatus(w, report) })
}

func printStatus(w io.Writer, r StatusReport) {
	fmt.Fprintf(w, "Data dir:   %s\n", r.DataDir)
	fmt.Fprintf(w, "Strategy:   %s\n", r.Strategy)
	if r.Checkpoint != nil {
		fmt.Fprintf(w, "Checkpoint: %s\n", r.Checkpoint.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Checkpoint: never synced")
	}

	fmt.Fprintln(w, "\nCollections:")
	names := make([]string, 0, len(r.Counts))
	for name := range r.Counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-18s %d\n", name, r.Counts[name])
	}

	fmt.Fprintf(w, "\nOutbox: %d pending, %d synced, %d failed\n", r.Outbox.Pending, r.Outbox.Synced, r.Outbox.Failed)
}
