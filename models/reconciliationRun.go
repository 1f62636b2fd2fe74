package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ReconciliationRunStatus string

const (
	RunStatusPending ReconciliationRunStatus = "pending"
	RunStatusRunning ReconciliationRunStatus = "running"
	RunStatusSuccess ReconciliationRunStatus = "success"
	RunStatusPartial ReconciliationRunStatus = "partial"
	RunStatusFailed  ReconciliationRunStatus = "failed"
)

func (s ReconciliationRunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusPartial || s == RunStatusFailed
}

func (s ReconciliationRunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusPartial, RunStatusFailed:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemStatusMatched          ItemStatus = "matched"
	ItemStatusUnmatchedApp     ItemStatus = "unmatched_app"
	ItemStatusUnmatchedGateway ItemStatus = "unmatched_gateway"
	ItemStatusAmountMismatch   ItemStatus = "amount_mismatch"
	ItemStatusDuplicate        ItemStatus = "duplicate"
)

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusMatched, ItemStatusUnmatchedApp, ItemStatusUnmatchedGateway, ItemStatusAmountMismatch, ItemStatusDuplicate:
		return true
	}
	return false
}

// ReconciliationRun is one execution of the matcher over a period/county window.
// Rows are written by the orchestrator only and are immutable once terminal.
type ReconciliationRun struct {
	ID                    uint                    `gorm:"primary_key" json:"-"`
	RunId                 string                  `gorm:"size:64;uniqueIndex;not null" json:"run_id"`
	Status                ReconciliationRunStatus `gorm:"size:20;index;not null" json:"status"`
	PeriodStart           time.Time               `gorm:"type:date;index:idx_recon_run_window,priority:1;not null" json:"period_start"`
	PeriodEnd             time.Time               `gorm:"type:date;index:idx_recon_run_window,priority:2;not null" json:"period_end"`
	CountyFilter          *string                 `gorm:"size:100;index:idx_recon_run_window,priority:3" json:"county_filter"`
	MatchedCount          int                     `gorm:"not null;default:0" json:"matched"`
	UnmatchedAppCount     int                     `gorm:"not null;default:0" json:"unmatched_app"`
	UnmatchedGatewayCount int                     `gorm:"not null;default:0" json:"unmatched_gateway"`
	AmountMismatchCount   int                     `gorm:"not null;default:0" json:"amount_mismatch"`
	DuplicateAppCount     int                     `gorm:"not null;default:0" json:"duplicate_app"`
	DuplicateGatewayCount int                     `gorm:"not null;default:0" json:"duplicate_gateway"`
	TotalAppAmount        decimal.Decimal         `gorm:"type:decimal(20,4);default:0" json:"total_app_amount"`
	TotalGatewayAmount    decimal.Decimal         `gorm:"type:decimal(20,4);default:0" json:"total_gateway_amount"`
	TotalDiscrepancy      decimal.Decimal         `gorm:"type:decimal(20,4);default:0" json:"total_discrepancy"`
	ToleranceConfigUsed   json.RawMessage         `gorm:"type:json" json:"tolerance_config_used"`
	DryRun                bool                    `gorm:"-" json:"dry_run"`
	ErrorMessage          *string                 `gorm:"type:text" json:"error_message"`
	StartedAt             *time.Time              `json:"started_at"`
	CompletedAt           *time.Time              `gorm:"index" json:"completed_at"`
	CreatedBy             string                  `gorm:"size:100;index" json:"created_by"`
	CreatedAt             time.Time               `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time               `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt          `gorm:"index" json:"-"`
}

// ReconciliationItem is the classified outcome of one ledger record within a run.
type ReconciliationItem struct {
	ID                   uint                `gorm:"primary_key" json:"-"`
	RunId                string              `gorm:"size:64;not null;index:idx_recon_item_run_status,priority:1" json:"run_id"`
	Position             int                 `gorm:"not null;default:0" json:"position"`
	Source               LedgerSourceType    `gorm:"size:10;not null" json:"source"`
	RecordId             string              `gorm:"size:128;not null" json:"record_id"`
	TransactionId        *string             `gorm:"size:128;index" json:"transaction_id"`
	Reference            string              `gorm:"size:128;index" json:"reference"`
	Amount               decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency             string              `gorm:"size:10" json:"currency"`
	TransactionDate      *time.Time          `json:"transaction_date"`
	PayerName            *string             `gorm:"size:255" json:"payer_name"`
	PayerPhone           *string             `gorm:"size:50" json:"payer_phone"`
	PayerEmail           *string             `gorm:"size:255" json:"payer_email"`
	County               *string             `gorm:"size:100" json:"county"`
	ProviderStatus       string              `gorm:"size:50" json:"status"`
	ReconciliationStatus ItemStatus          `gorm:"size:20;not null;index:idx_recon_item_run_status,priority:2" json:"reconciliation_status"`
	MatchReference       *string             `gorm:"size:128" json:"match_reference"`
	DiscrepancyAmount    decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"discrepancy_amount"`
	Notes                string              `gorm:"type:text" json:"notes"`
	Metadata             json.RawMessage     `gorm:"type:json" json:"metadata"`
	CreatedAt            time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// RunSummary is the listing projection of a run.
type RunSummary struct {
	RunId                 string                  `json:"run_id"`
	Status                ReconciliationRunStatus `json:"status"`
	PeriodStart           time.Time               `json:"period_start"`
	PeriodEnd             time.Time               `json:"period_end"`
	CountyFilter          *string                 `json:"county_filter"`
	MatchedCount          int                     `json:"matched"`
	UnmatchedAppCount     int                     `json:"unmatched_app"`
	UnmatchedGatewayCount int                     `json:"unmatched_gateway"`
	AmountMismatchCount   int                     `json:"amount_mismatch"`
	DuplicateCount        int                     `json:"duplicate"`
	TotalDiscrepancy      decimal.Decimal         `json:"total_discrepancy"`
	ErrorMessage          *string                 `json:"error_message"`
	CreatedBy             string                  `json:"created_by"`
	StartedAt             *time.Time              `json:"started_at"`
	CompletedAt           *time.Time              `json:"completed_at"`
	CreatedAt             time.Time               `json:"created_at"`
}

func (r ReconciliationRun) Summary() RunSummary {
	return RunSummary{
		RunId:                 r.RunId,
		Status:                r.Status,
		PeriodStart:           r.PeriodStart,
		PeriodEnd:             r.PeriodEnd,
		CountyFilter:          r.CountyFilter,
		MatchedCount:          r.MatchedCount,
		UnmatchedAppCount:     r.UnmatchedAppCount,
		UnmatchedGatewayCount: r.UnmatchedGatewayCount,
		AmountMismatchCount:   r.AmountMismatchCount,
		DuplicateCount:        r.DuplicateAppCount + r.DuplicateGatewayCount,
		TotalDiscrepancy:      r.TotalDiscrepancy,
		ErrorMessage:          r.ErrorMessage,
		CreatedBy:             r.CreatedBy,
		StartedAt:             r.StartedAt,
		CompletedAt:           r.CompletedAt,
		CreatedAt:             r.CreatedAt,
	}
}

// Policy decodes the tolerance snapshot the run was executed with.
func (r ReconciliationRun) Policy() (TolerancePolicy, error) {
	var p TolerancePolicy
	if len(r.ToleranceConfigUsed) == 0 {
		return p, NewReconError(ErrKindInternal, "run has no tolerance snapshot", nil)
	}
	if err := json.Unmarshal(r.ToleranceConfigUsed, &p); err != nil {
		return p, NewReconError(ErrKindInternal, "decode tolerance snapshot", err)
	}
	return p, nil
}

// GuardKey identifies the (periodStart, periodEnd, county) window a run holds exclusively.
func (r ReconciliationRun) GuardKey() string {
	county := "*"
	if r.CountyFilter != nil && strings.TrimSpace(*r.CountyFilter) != "" {
		county = strings.ToLower(strings.TrimSpace(*r.CountyFilter))
	}
	return "recon:window:" + r.PeriodStart.Format("2006-01-02") + ":" + r.PeriodEnd.Format("2006-01-02") + ":" + county
}

// RunFilter narrows List. Zero values mean "any"; From/To select runs whose period overlaps [From, To].
type RunFilter struct {
	Status    *ReconciliationRunStatus
	County    *string
	From      *time.Time
	To        *time.Time
	CreatedBy string
	Limit     int
	Offset    int
}

const (
	DefaultRunListLimit = 50
	MaxRunListLimit     = 500
)

func (f RunFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultRunListLimit
	}
	if f.Limit > MaxRunListLimit {
		return MaxRunListLimit
	}
	return f.Limit
}
