package models

import (
	"go/format"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordSourceIsFormatted(t *testing.T) {
	src, err := os.ReadFile("ledgerRecord.go")
	require.NoError(t, err)
	formatted, err := format.Source(src)
	require.NoError(t, err)
	assert.Equal(t, string(formatted), string(src))
}

func TestLedgerQuery(t *testing.T) {
	nairobi := "Nairobi"
	q := LedgerQuery{
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		County:      &nairobi,
	}
	assert.True(t, q.Contains(time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, q.Contains(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))

	other, padded := "Kisumu", " nairobi "
	assert.True(t, q.MatchesCounty(&padded))
	assert.False(t, q.MatchesCounty(&other))
	assert.False(t, q.MatchesCounty(nil))
}
