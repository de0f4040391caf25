package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/export"
)

// PasswordEnv supplies the snapshot password when --password is not given.
const PasswordEnv = "SCREENSYNC_SNAPSHOT_PASSWORD"

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Type     string // json | csv | xlsx
	Output   string
	Password string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export children and screening results",
		Long: `Write the local store to a file.

json produces a restorable snapshot, sealed with a password when one is
given. csv and xlsx produce one row per screening for spreadsheets.
The type defaults to the extension of --output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path (required)")
	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "export type (json|csv|xlsx)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "seal a json snapshot with this password (or $"+PasswordEnv+")")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func exportType(opts *ExportOptions) (string, error) {
	kind := strings.ToLower(opts.Type)
	if kind == "" {
		kind = strings.TrimPrefix(strings.ToLower(filepath.Ext(opts.Output)), ".")
	}
	switch kind {
	case "json", "csv", "xlsx":
		return kind, nil
	}
	return "", fmt.Errorf("unknown export type %q: must be json, csv or xlsx", kind)
}

func snapshotPassword(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(PasswordEnv)
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd.OutOrStdout())

	kind, err := exportType(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "export", err)
	}
	password := snapshotPassword(opts.Password)
	if password != "" && kind != "json" {
		return NewExitError(ExitCommandError, "a password can only seal json snapshots")
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Create(opts.Output)
	if err != nil {
		return WrapExitError(ExitCommandError, "export", out.Failure(apperrors.Wrap(apperrors.ErrExportFailed, "create output", err)))
	}

	ctx := commandContext(cmd)
	var result *export.ExportResult
	switch kind {
	case "json":
		result, err = a.Export.ExportJSON(ctx, f, export.ExportOptions{Password: password})
	case "csv":
		result, err = a.Export.ExportCSV(ctx, f)
	case "xlsx":
		result, err = a.Export.ExportXLSX(ctx, f)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = apperrors.Wrap(apperrors.ErrExportFailed, "close output", cerr)
	}
	if err != nil {
		_ = os.Remove(opts.Output)
		return WrapExitError(ExitFailure, "export", out.Failure(err))
	}

	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Exported %d child(ren), %d result(s) to %s\n", result.Children, result.Results, opts.Output)
		if result.Encrypted {
			fmt.Fprintln(w, "Snapshot is sealed; keep the password to restore it")
		}
	})
}

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	Password string
	Requeue  bool
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Restore a json snapshot into the local store",
		Long: `Merge a snapshot written by "export --type json" into the local store.

Children are matched by Child ID. With --requeue every unsynced record is
queued for the next push.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Password, "password", "", "password of a sealed snapshot (or $"+PasswordEnv+")")
	cmd.Flags().BoolVar(&opts.Requeue, "requeue", false, "queue unsynced records for push")

	return cmd
}

func runRestore(opts *RestoreOptions, path string, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd.OutOrStdout())

	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "restore", out.Failure(apperrors.Wrap(apperrors.ErrImportFailed, "open snapshot", err)))
	}
	defer f.Close()

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Export.ImportData(commandContext(cmd), f, export.ImportOptions{
		Password: snapshotPassword(opts.Password),
		Requeue:  opts.Requeue,
	})
	if err != nil {
		code := ExitFailure
		if apperrors.Is(err, apperrors.ErrValidation) {
			code = ExitCommandError
		}
		return WrapExitError(code, "restore", out.Failure(err))
	}

	return out.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Restored %d child(ren), %d result(s); %d skipped, %d queued\n",
			result.Children, result.Results, result.Skipped, result.Requeued)
	})
}
