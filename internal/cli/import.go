package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/importer"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	School string // partition the roster belongs to
	Sheet  string // worksheet name for .xlsx files
	Report string // optional CSV report path
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a CSV or XLSX roster of children",
		Long: `Validate every row of a roster and store the valid ones.

Invalid rows are reported and skipped; valid rows are queued for the
next sync. The exit status is 1 when any row was rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.School, "school", "", "school or partition identifier (required)")
	cmd.Flags().StringVar(&opts.Sheet, "sheet", "", "worksheet to read from an .xlsx file (default: first sheet)")
	cmd.Flags().StringVar(&opts.Report, "report", "", "write a per-row CSV report to this path")
	_ = cmd.MarkFlagRequired("school")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	out := formatter(opts.RootOptions, cmd.OutOrStdout())

	rows, err := readRoster(path, opts.Sheet)
	if err != nil {
		return WrapExitError(ExitCommandError, "read roster", out.Failure(err))
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Importer.ImportRows(commandContext(cmd), opts.School, rows)
	if err != nil {
		return WrapExitError(ExitFailure, "import", out.Failure(err))
	}

	if opts.Report != "" {
		if err := writeReport(report, opts.Report); err != nil {
			return WrapExitError(ExitFailure, "write report", out.Failure(err))
		}
	}

	if err := out.Success(report, func(w io.Writer) { printReport(w, report, opts.Report) }); err != nil {
		return err
	}
	if report.ErrorCount > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d rows rejected", report.ErrorCount, report.TotalRows))
	}
	return nil
}

func readRoster(path, sheet string) ([]importer.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "open roster", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return importer.ReadXLSX(f, sheet)
	case ".csv", ".txt":
		return importer.ReadCSV(f)
	default:
		return nil, apperrors.Newf(apperrors.ErrValidation, "unsupported roster type %q", filepath.Ext(path))
	}
}

func writeReport(report *importer.Report, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrImportFailed, "create report", err)
	}
	if err := report.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printReport(w io.Writer, report *importer.Report, reportPath string) {
	fmt.Fprintf(w, "Imported %d of %d rows into %s (%d rejected, %d with warnings)\n",
		report.SuccessCount, report.TotalRows, report.PartitionID, report.ErrorCount, report.WarningCount)

	if errs := report.Errors(); len(errs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Rejected rows:")
		for _, row := range errs {
			fmt.Fprintf(w, "  row %d: %s\n", row.RowNumber, row.Message)
		}
	}
	if reportPath != "" {
		fmt.Fprintf(w, "\nWrote report to %s\n", reportPath)
	}
}
