package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	cases := map[string]time.Time{
		"2025-01-10":                time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		" 2025-01-10 08:30:00 ":     time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC),
		"2025-01-10T08:30:00+03:00": time.Date(2025, 1, 10, 5, 30, 0, 0, time.UTC),
		"10/01/2025":                time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}

	_, err := ParseDate("")
	assert.Error(t, err)
	_, err = ParseDate("yesterday")
	assert.Error(t, err)
}

func TestParseDecimal(t *testing.T) {
	d, err := ParseDecimal(" 1,250.50 ")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1250.50").Equal(d))

	_, err = ParseDecimal("")
	assert.Error(t, err)
	_, err = ParseDecimal("12a")
	assert.Error(t, err)
}

func TestDaysBetween(t *testing.T) {
	a := time.Date(2025, 1, 10, 23, 59, 0, 0, time.UTC)
	b := time.Date(2025, 1, 11, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, 1, DaysBetween(a, b))
	assert.Equal(t, 1, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a.Add(-time.Hour)))
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), DateOnlyUTC(a))
}

func TestNormalizePhoneNumber(t *testing.T) {
	assert.Equal(t, "+254712345678", NormalizePhoneNumber("0712 345 678", "KE"))
	assert.Equal(t, "+254712345678", NormalizePhoneNumber("+254712345678", ""))
	assert.Equal(t, "", NormalizePhoneNumber("   ", "KE"))
	assert.Equal(t, "12", NormalizePhoneNumber("1-2", "KE"))
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("jane.doe+ops@example.co.ke"))
	assert.False(t, IsValidEmail("jane-at-example"))
	assert.False(t, IsValidEmail("jane@example"))
}

func TestPointerHelpers(t *testing.T) {
	assert.Nil(t, NilIfEmpty(""))
	assert.Equal(t, "x", *NilIfEmpty("x"))
	assert.Equal(t, "fallback", DereferencePtr[string](nil, "fallback"))
	assert.Equal(t, 0, DereferencePtr[int](nil))
	v := 3
	assert.Equal(t, 3, DereferencePtr(&v, 9))
	assert.Equal(t, []string{"a", "b"}, SplitAndTrim(" a, ,b ,"))
}

func TestProcessValidationErrors(t *testing.T) {
	type payload struct {
		PeriodStart string `validate:"required"`
		Threshold   int    `validate:"max=100"`
	}
	err := validator.New().Struct(payload{Threshold: 101})
	fields := ProcessValidationErrors(err)
	assert.Equal(t, "required", fields["PeriodStart"])
	assert.Equal(t, "max", fields["Threshold"])

	assert.Equal(t, map[string]string{"_": "boom"}, ProcessValidationErrors(errors.New("boom")))
}
