package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func statementBytes(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestParseStatement(t *testing.T) {
	data := statementBytes(t, [][]any{
		{"Receipt No.", "Account Reference", "Paid In", "Currency", "Completion Time", "Name", "MSISDN", "County"},
		{"G1", "INV-1", "1,500.00", "kes", "2025-01-05 10:30:00", "Jane Doe", "0712345678", "Kisumu"},
		{"", "", "", "", "", "", "", ""},
		{"G2", "", "20", "KES", "", "", "", ""},
	})

	records, err := ParseStatement(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "G1", first.RecordId)
	assert.Equal(t, "INV-1", first.Reference)
	assert.Equal(t, "1500", first.Amount.String())
	assert.Equal(t, "KES", first.Currency)
	require.NotNil(t, first.TransactionDate)
	assert.Equal(t, 5, first.TransactionDate.Day())
	require.NotNil(t, first.County)
	assert.Equal(t, "Kisumu", *first.County)

	assert.Nil(t, records[1].TransactionDate)
	assert.Nil(t, records[1].PayerName)
}

func TestParseStatement_BadAmountReportsRow(t *testing.T) {
	data := statementBytes(t, [][]any{
		{"Transaction Id", "Amount"},
		{"G1", "10"},
		{"G2", "ten"},
	})
	_, err := ParseStatement(bytes.NewReader(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}

func TestParseStatement_MissingColumns(t *testing.T) {
	_, err := ParseStatement(bytes.NewReader(statementBytes(t, [][]any{{"Id", "Date"}})))
	assert.ErrorContains(t, err, "amount")

	_, err = ParseStatement(bytes.NewReader(statementBytes(t, [][]any{{"Amount", "Date"}})))
	assert.ErrorContains(t, err, "transaction id or reference")

	_, err = ParseStatement(bytes.NewReader([]byte("not a workbook")))
	assert.Error(t, err)
}

func TestStatementLedger_Fetch(t *testing.T) {
	jan := statementBytes(t, [][]any{
		{"Id", "Amount", "Date", "County"},
		{"G1", "10", "2025-01-30", "Kisumu"},
		{"G2", "11", "2025-01-10", "Nairobi"},
		{"G3", "12", "", "Kisumu"},
	})
	feb := statementBytes(t, [][]any{
		{"Id", "Amount", "Date", "County"},
		{"G4", "13", "2025-02-01", "kisumu"},
		{"G5", "14", "2025-02-20", "Kisumu"},
	})
	var asked []string
	l := &StatementLedger{
		Prefix: "statements/kcb",
		Read: func(ctx context.Context, object string) ([]byte, error) {
			asked = append(asked, object)
			switch object {
			case "statements/kcb/2025-01.xlsx":
				return jan, nil
			case "statements/kcb/2025-02.xlsx":
				return feb, nil
			}
			return nil, fmt.Errorf("%s: %w", object, utils.ErrorRecordNotFound)
		},
	}

	q := testQuery(nil)
	q.PeriodStart = q.PeriodStart.AddDate(0, 0, 20)
	q.PeriodEnd = q.PeriodEnd.AddDate(0, 0, 5)
	county := "Kisumu"
	q.County = &county

	records, err := l.Fetch(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"statements/kcb/2025-01.xlsx", "statements/kcb/2025-02.xlsx"}, asked)

	var ids []string
	for _, r := range records {
		ids = append(ids, r.RecordId)
	}
	assert.Equal(t, []string{"G1", "G3", "G4"}, ids)
}

func TestStatementLedger_MissingMonthIsEmpty(t *testing.T) {
	l := &StatementLedger{Read: func(ctx context.Context, object string) ([]byte, error) {
		return nil, fmt.Errorf("%s: %w", object, utils.ErrorRecordNotFound)
	}}
	records, err := l.Fetch(context.Background(), testQuery(nil))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStatementLedger_ReadError(t *testing.T) {
	boom := errors.New("permission denied")
	l := &StatementLedger{Read: func(ctx context.Context, object string) ([]byte, error) { return nil, boom }}
	_, err := l.Fetch(context.Background(), testQuery(nil))
	assert.ErrorIs(t, err, boom)

	_, err = (&StatementLedger{}).Fetch(context.Background(), testQuery(nil))
	assert.ErrorIs(t, err, utils.ErrorNotConfigured)
}
