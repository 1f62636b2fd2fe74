package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/shopspring/decimal"
)

type LedgerSourceType string

const (
	LedgerSourceApp     LedgerSourceType = "app"
	LedgerSourceGateway LedgerSourceType = "gateway"
)

// LedgerRecord is one transaction as reported by either ledger.
// TransactionDate is nil when the source did not report a date.
type LedgerRecord struct {
	RecordId        string           `json:"record_id"`
	TransactionId   *string          `json:"transaction_id"`
	Reference       string           `json:"reference"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	TransactionDate *time.Time       `json:"transaction_date"`
	PayerName       *string          `json:"payer_name"`
	PayerPhone      *string          `json:"payer_phone"`
	PayerEmail      *string          `json:"payer_email"`
	County          *string          `json:"county"`
	Status          string           `json:"status"`
	Source          LedgerSourceType `json:"source"`
}

// LedgerQuery is the period/county window a ledger source is asked for.
// PeriodStart and PeriodEnd are inclusive dates.
type LedgerQuery struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	County      *string
}

// MatchKeys returns the non-empty exact-match keys in lookup order: transaction id, then reference.
func (r LedgerRecord) MatchKeys() []string {
	keys := make([]string, 0, 2)
	if r.TransactionId != nil {
		if k := strings.TrimSpace(*r.TransactionId); k != "" {
			keys = append(keys, k)
		}
	}
	if k := strings.TrimSpace(r.Reference); k != "" && (len(keys) == 0 || keys[0] != k) {
		keys = append(keys, k)
	}
	return keys
}

// PrimaryKey is the key a gateway record is indexed under.
func (r LedgerRecord) PrimaryKey() string {
	keys := r.MatchKeys()
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

func (q LedgerQuery) Contains(d time.Time) bool {
	day := utils.DateOnlyUTC(d)
	return !day.Before(utils.DateOnlyUTC(q.PeriodStart)) && !day.After(utils.DateOnlyUTC(q.PeriodEnd))
}

func (q LedgerQuery) MatchesCounty(county *string) bool {
	if q.County == nil || strings.TrimSpace(*q.County) == "" {
		return true
	}
	if county == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(*county), strings.TrimSpace(*q.County))
}

// LedgerSource returns every transaction of one ledger for the query window.
// Implementations must honour ctx cancellation and deadlines.
type LedgerSource interface {
	Fetch(ctx context.Context, q LedgerQuery) ([]LedgerRecord, error)
}
