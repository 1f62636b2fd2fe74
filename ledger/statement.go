package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/xuri/excelize/v2"
)

type statementColumn int

const (
	colTransactionId statementColumn = iota
	colReference
	colAmount
	colCurrency
	colDate
	colPayerName
	colPayerPhone
	colPayerEmail
	colCounty
	colStatus
)

// statementHeaders maps normalised header text to a column.
var statementHeaders = map[string]statementColumn{
	"transactionid":     colTransactionId,
	"id":                colTransactionId,
	"receiptno":         colTransactionId,
	"receiptnumber":     colTransactionId,
	"reference":         colReference,
	"ref":               colReference,
	"accountreference":  colReference,
	"amount":            colAmount,
	"paidin":            colAmount,
	"currency":          colCurrency,
	"date":              colDate,
	"transactiondate":   colDate,
	"completiontime":    colDate,
	"payername":         colPayerName,
	"name":              colPayerName,
	"payerphone":        colPayerPhone,
	"phone":             colPayerPhone,
	"msisdn":            colPayerPhone,
	"payeremail":        colPayerEmail,
	"email":             colPayerEmail,
	"county":            colCounty,
	"status":            colStatus,
	"transactionstatus": colStatus,
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(h) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseStatement reads gateway records from the first sheet of an xlsx statement.
// The first row is the header; blank rows are skipped.
func ParseStatement(r io.Reader) ([]models.LedgerRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("statement has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet: %v", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	columns := map[statementColumn]int{}
	for i, h := range rows[0] {
		if c, ok := statementHeaders[normalizeHeader(h)]; ok {
			if _, dup := columns[c]; !dup {
				columns[c] = i
			}
		}
	}
	if _, ok := columns[colAmount]; !ok {
		return nil, errors.New("statement is missing an amount column")
	}
	_, hasId := columns[colTransactionId]
	_, hasRef := columns[colReference]
	if !hasId && !hasRef {
		return nil, errors.New("statement needs a transaction id or reference column")
	}

	cell := func(row []string, c statementColumn) string {
		i, ok := columns[c]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []models.LedgerRecord
	for n, row := range rows[1:] {
		if strings.TrimSpace(strings.Join(row, "")) == "" {
			continue
		}
		rowNo := n + 2
		amount, err := utils.ParseDecimal(cell(row, colAmount))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid amount: %w", rowNo, err)
		}
		rec := models.LedgerRecord{
			RecordId:      cell(row, colTransactionId),
			TransactionId: utils.NilIfEmpty(cell(row, colTransactionId)),
			Reference:     cell(row, colReference),
			Amount:        amount,
			Currency:      strings.ToUpper(cell(row, colCurrency)),
			PayerName:     utils.NilIfEmpty(cell(row, colPayerName)),
			PayerPhone:    utils.NilIfEmpty(cell(row, colPayerPhone)),
			PayerEmail:    utils.NilIfEmpty(cell(row, colPayerEmail)),
			County:        utils.NilIfEmpty(cell(row, colCounty)),
			Status:        cell(row, colStatus),
			Source:        models.LedgerSourceGateway,
		}
		if v := cell(row, colDate); v != "" {
			d, err := utils.ParseDate(v)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", rowNo, err)
			}
			rec.TransactionDate = &d
		}
		records = append(records, rec)
	}
	return records, nil
}

// StatementLedger reads monthly gateway statements stored as <prefix>/<YYYY-MM>.xlsx.
type StatementLedger struct {
	Bucket string
	Prefix string
	// Read returns the object bytes; a missing object wraps utils.ErrorRecordNotFound.
	Read func(ctx context.Context, object string) ([]byte, error)
}

func NewStatementLedger(client *storage.Client, bucket, prefix string) *StatementLedger {
	return &StatementLedger{
		Bucket: bucket,
		Prefix: prefix,
		Read: func(ctx context.Context, object string) ([]byte, error) {
			return utils.ReadGCSObject(ctx, client, bucket, object)
		},
	}
}

// StatementObjects lists the statement objects covering the period, one per month.
func (l *StatementLedger) StatementObjects(q models.LedgerQuery) []string {
	start := utils.DateOnlyUTC(q.PeriodStart)
	end := utils.DateOnlyUTC(q.PeriodEnd)
	month := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	var objects []string
	for !month.After(end) {
		objects = append(objects, path.Join(l.Prefix, month.Format("2006-01")+".xlsx"))
		month = month.AddDate(0, 1, 0)
	}
	return objects
}

// Fetch merges the monthly statements and keeps rows in the window.
// Missing months are treated as empty; undated rows are kept.
func (l *StatementLedger) Fetch(ctx context.Context, q models.LedgerQuery) ([]models.LedgerRecord, error) {
	if l.Read == nil {
		return nil, utils.ErrorNotConfigured
	}
	var records []models.LedgerRecord
	for _, object := range l.StatementObjects(q) {
		data, err := l.Read(ctx, object)
		if errors.Is(err, utils.ErrorRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		parsed, err := ParseStatement(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", object, err)
		}
		for _, rec := range parsed {
			if rec.TransactionDate != nil && !q.Contains(*rec.TransactionDate) {
				continue
			}
			if !q.MatchesCounty(rec.County) {
				continue
			}
			records = append(records, rec)
		}
	}
	return records, nil
}
