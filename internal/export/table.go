package export

import (
	"context"

	"github.com/kimhsiao/screensync/internal/db"
	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
)

// TableHeader is the column layout of ExportCSV and ExportXLSX.
var TableHeader = []string{
	"Child ID", "Name", "DOB", "School", "Grade",
	"Screening Date", "Vision LogMAR", "Vision Pass", "Hearing Pass", "Referral Needed",
}

// table builds the header and one row per result, grouped by child in
// insertion order. Results whose child is not stored come last.
func (s *ExportService) table(ctx context.Context) ([][]string, *ExportResult, error) {
	children, results, err := s.load(ctx)
	if err != nil {
		return nil, nil, err
	}

	rows := [][]string{TableHeader}
	known := make(map[string]bool, len(children))
	for _, child := range children {
		known[child.ChildID] = true
		own, err := s.store.Results.ScanByIndex(ctx, db.IndexByChildID, child.ChildID)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrExportFailed, "load results for "+child.ChildID, err)
		}
		if len(own) == 0 {
			rows = append(rows, row(child, nil))
			continue
		}
		for _, rec := range own {
			rows = append(rows, row(child, rec))
		}
	}
	for _, rec := range results {
		if !known[rec.ChildID] {
			rows = append(rows, row(&models.ChildRecord{ChildID: rec.ChildID}, rec))
		}
	}

	return rows, &ExportResult{
		Children: len(children),
		Results:  len(results),
		Rows:     len(rows) - 1,
	}, nil
}

func row(child *models.ChildRecord, rec *models.ScreeningResult) []string {
	out := []string{child.ChildID, child.FullName(), child.DateOfBirth, child.SchoolID, child.Grade}
	if rec == nil {
		return append(out, "", "", "", "", "")
	}
	logmar := ""
	if rec.VisionLogMAR.Valid {
		logmar = rec.VisionLogMAR.Decimal.StringFixed(2)
	}
	return append(out,
		rec.ScreeningDate.Format(models.DateLayout),
		logmar,
		yesNo(rec.VisionPass),
		yesNo(rec.HearingPass),
		yesNo(rec.ReferralNeeded),
	)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
