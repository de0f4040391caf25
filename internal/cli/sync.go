package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/screensync/internal/sync"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass",
		Long: `Probe the authority, pull remote changes since the last checkpoint,
then push every pending outbox entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	out := formatter(opts, cmd.OutOrStdout())

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.SyncOnce(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitFailure, "sync", out.Failure(err))
	}
	return out.Success(result, func(w io.Writer) { printResult(w, result) })
}

func printResult(w io.Writer, r *syncpkg.Result) {
	if r.Skipped {
		fmt.Fprintln(w, "Sync skipped: another pass is running")
		return
	}
	if r.PullSkipped {
		fmt.Fprintln(w, "Authority unreachable, pull skipped")
	} else {
		fmt.Fprintf(w, "Pulled %d child(ren), %d result(s); %d conflict(s) (%d local, %d remote)\n",
			r.PulledChildren, r.PulledResults, r.Conflicts, r.LocalWins, r.RemoteWins)
		if r.Superseded > 0 {
			fmt.Fprintf(w, "Retired %d local change(s) replaced by the authority\n", r.Superseded)
		}
	}
	fmt.Fprintf(w, "Pushed %d entr(ies), %d retr(ies), %d failed\n", r.Pushed, r.Retries, r.Failed)
	if !r.Checkpoint.IsZero() {
		fmt.Fprintf(w, "Checkpoint %s\n", r.Checkpoint.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Completed in %s\n", r.Duration.Round(time.Millisecond))
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing on a schedule and on reconnect",
		Long: `Run the sync engine in the foreground. A pass runs on every sync
interval while the authority is reachable and whenever connectivity returns.
Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return runWatch(ctx, a.Run)
		},
	}
}

func runWatch(ctx context.Context, run func(context.Context) error) error {
	if err := run(ctx); err != nil {
		return WrapExitError(ExitFailure, "watch", err)
	}
	return nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed outbox entries for the next sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := formatter(rootOpts, cmd.OutOrStdout())

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Queue.RetryAll(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "retry", out.Failure(err))
			}
			return out.Success(map[string]int{"requeued": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Requeued %d failed entr(ies)\n", n)
			})
		},
	}
}
