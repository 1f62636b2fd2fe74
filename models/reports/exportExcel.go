package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	ItemsSheetName   = "Items"
	SummarySheetName = "Summary"
	XLSXContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var itemHeadings = []string{
	"Position", "Source", "RecordId", "TransactionId", "Reference", "Amount", "Currency",
	"TransactionDate", "PayerName", "PayerPhone", "PayerEmail", "County", "ProviderStatus",
	"ReconciliationStatus", "MatchReference", "Discrepancy", "Notes",
}

func itemCellValues(it models.ReconciliationItem) []interface{} {
	date := ""
	if it.TransactionDate != nil {
		date = it.TransactionDate.UTC().Format(time.DateOnly)
	}
	discrepancy := ""
	if it.DiscrepancyAmount.Valid {
		discrepancy = it.DiscrepancyAmount.Decimal.StringFixed(2)
	}
	return []interface{}{
		it.Position,
		string(it.Source),
		it.RecordId,
		utils.DereferencePtr(it.TransactionId, ""),
		it.Reference,
		it.Amount.StringFixed(2),
		it.Currency,
		date,
		utils.DereferencePtr(it.PayerName, ""),
		utils.DereferencePtr(it.PayerPhone, ""),
		utils.DereferencePtr(it.PayerEmail, ""),
		utils.DereferencePtr(it.County, ""),
		it.ProviderStatus,
		string(it.ReconciliationStatus),
		utils.DereferencePtr(it.MatchReference, ""),
		discrepancy,
		it.Notes,
	}
}

func setRow(f *excelize.File, sheet string, rowNo int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// ItemsWorkbook builds a workbook with the run summary and one row per item.
// run may be nil when only items are exported.
func ItemsWorkbook(run *models.ReconciliationRun, items []models.ReconciliationItem) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", ItemsSheetName); err != nil {
		f.Close()
		return nil, err
	}

	headings := make([]interface{}, len(itemHeadings))
	for i, h := range itemHeadings {
		headings[i] = h
	}
	if err := setRow(f, ItemsSheetName, 1, headings); err != nil {
		f.Close()
		return nil, err
	}
	for i, it := range items {
		if err := setRow(f, ItemsSheetName, i+2, itemCellValues(it)); err != nil {
			f.Close()
			return nil, fmt.Errorf("item %s: %v", it.RecordId, err)
		}
	}

	if run != nil {
		if _, err := f.NewSheet(SummarySheetName); err != nil {
			f.Close()
			return nil, err
		}
		rows := [][]interface{}{
			{"RunId", run.RunId},
			{"Status", string(run.Status)},
			{"PeriodStart", run.PeriodStart.Format(time.DateOnly)},
			{"PeriodEnd", run.PeriodEnd.Format(time.DateOnly)},
			{"County", utils.DereferencePtr(run.CountyFilter, "")},
			{"Matched", run.MatchedCount},
			{"AmountMismatch", run.AmountMismatchCount},
			{"UnmatchedApp", run.UnmatchedAppCount},
			{"UnmatchedGateway", run.UnmatchedGatewayCount},
			{"DuplicateApp", run.DuplicateAppCount},
			{"DuplicateGateway", run.DuplicateGatewayCount},
			{"TotalAppAmount", run.TotalAppAmount.StringFixed(2)},
			{"TotalGatewayAmount", run.TotalGatewayAmount.StringFixed(2)},
			{"TotalDiscrepancy", run.TotalDiscrepancy.StringFixed(2)},
		}
		for i, row := range rows {
			if err := setRow(f, SummarySheetName, i+1, row); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return f, nil
}

// WriteItemsXLSX streams the items workbook to w.
func WriteItemsXLSX(w io.Writer, run *models.ReconciliationRun, items []models.ReconciliationItem) error {
	f, err := ItemsWorkbook(run, items)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %v", err)
	}
	return nil
}

// ExportFileName is the attachment name used for a run export.
func ExportFileName(runId string, status *models.ItemStatus) string {
	if status != nil {
		return fmt.Sprintf("reconciliation-%s-%s.xlsx", runId, *status)
	}
	return fmt.Sprintf("reconciliation-%s.xlsx", runId)
}
