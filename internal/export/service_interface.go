// Package export provides export/import service interfaces.
package export

import (
	"context"
	"io"
)

// ExportServiceInterface defines the contract for export services.
type ExportServiceInterface interface {
	ExportJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error)
	ExportCSV(ctx context.Context, w io.Writer) (*ExportResult, error)
	ExportXLSX(ctx context.Context, w io.Writer) (*ExportResult, error)
	ImportData(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error)
}

// Ensure *ExportService implements the interface at compile time.
var _ ExportServiceInterface = (*ExportService)(nil)
