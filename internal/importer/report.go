package importer

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/screensync/internal/models"
)

// RowStatus is the outcome of one row.
type RowStatus string

const (
	StatusSuccess RowStatus = "success"
	StatusError   RowStatus = "error"
)

// RowResult is the outcome of one source row. RowNumber counts the header
// as row 1.
type RowResult struct {
	RowNumber int                 `json:"row_number"`
	Status    RowStatus           `json:"status"`
	Message   string              `json:"message"`
	Warnings  []string            `json:"warnings,omitempty"`
	Input     Row                 `json:"input"`
	ChildID   string              `json:"child_id"`
	Name      string              `json:"name"`
	Key       string              `json:"key,omitempty"`
	Action    models.OutboxAction `json:"action,omitempty"`
}

// Report accumulates per-row outcomes for one batch.
type Report struct {
	PartitionID  string      `json:"partition_id"`
	StartedAt    time.Time   `json:"started_at"`
	Rows         []RowResult `json:"rows"`
	TotalRows    int         `json:"total_rows"`
	SuccessCount int         `json:"success_count"`
	ErrorCount   int         `json:"error_count"`
	WarningCount int         `json:"warning_count"`
}

func (r *Report) add(row RowResult) {
	r.Rows = append(r.Rows, row)
	r.TotalRows++
	if row.Status == StatusSuccess {
		r.SuccessCount++
	} else {
		r.ErrorCount++
	}
	if len(row.Warnings) > 0 {
		r.WarningCount++
	}
}

// Errors returns the failed rows.
func (r *Report) Errors() []RowResult {
	var out []RowResult
	for _, row := range r.Rows {
		if row.Status == StatusError {
			out = append(out, row)
		}
	}
	return out
}

// reportHeader is the column layout of WriteCSV.
var reportHeader = []string{"Row", "Status", "Message", "Child ID", "Name"}

// WriteCSV writes one line per row. Warnings on successful rows are folded
// into the message column.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return err
	}
	for _, row := range r.Rows {
		msg := row.Message
		if len(row.Warnings) > 0 && row.Status == StatusSuccess {
			msg = msg + " (warning: " + strings.Join(row.Warnings, "; ") + ")"
		}
		record := []string{strconv.Itoa(row.RowNumber), string(row.Status), msg, row.ChildID, row.Name}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
