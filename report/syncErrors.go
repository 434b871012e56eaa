package report

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/xuri/excelize/v2"
)

const syncErrorsSheet = "Errors"

var syncErrorHeadings = []string{"Run", "Family", "Entity", "Remote Code", "Code", "Retryable", "Message", "Payload", "Recorded At"}

// ExportSyncErrors writes the item errors of a run as an xlsx workbook, one
// row per error, so they can be fixed and retried by hand.
func ExportSyncErrors(w io.Writer, run models.SyncRun, errs []models.SyncError) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", syncErrorsSheet); err != nil {
		return err
	}

	col := 'A'
	for _, h := range syncErrorHeadings {
		if err := f.SetCellValue(syncErrorsSheet, string(col)+"1", h); err != nil {
			return err
		}
		col++
	}

	for i, e := range errs {
		row := i + 2
		values := []interface{}{
			run.RunUUID,
			e.Family,
			e.EntityType,
			e.ExternalId,
			e.ErrorCode,
			e.Retryable,
			e.Message,
			string(e.PayloadJSON),
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		col := 'A'
		for _, v := range values {
			if err := f.SetCellValue(syncErrorsSheet, fmt.Sprintf("%c%d", col, row), v); err != nil {
				return err
			}
			col++
		}
	}

	if err := f.SetPanes(syncErrorsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}
	return f.Write(w)
}

// SyncErrorsFilename is the download name of a run's error workbook.
func SyncErrorsFilename(run models.SyncRun) string {
	return fmt.Sprintf("sync-errors-%s-%d.xlsx", run.Family, run.ID)
}
