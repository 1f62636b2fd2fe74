package reconapi

import (
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/shopspring/decimal"
)

const (
	ExportFormatJSON = "json"
	ExportFormatXLSX = "xlsx"
)

// TriggerRunRequest is the body of POST /runs. Dates are YYYY-MM-DD.
type TriggerRunRequest struct {
	PeriodStart               string           `json:"period_start" binding:"required,datetime=2006-01-02"`
	PeriodEnd                 string           `json:"period_end" binding:"required,datetime=2006-01-02"`
	County                    *string          `json:"county" binding:"omitempty,max=100"`
	AmountPercentageTolerance *decimal.Decimal `json:"amount_percentage_tolerance"`
	AmountAbsoluteTolerance   *decimal.Decimal `json:"amount_absolute_tolerance"`
	DateTolerance             *int             `json:"date_tolerance"`
	FuzzyMatchThreshold       *int             `json:"fuzzy_match_threshold"`
	DryRun                    bool             `json:"dry_run"`
	Sync                      bool             `json:"sync"`
	IdempotencyKey            string           `json:"idempotency_key" binding:"omitempty,max=128"`
}

func (r TriggerRunRequest) toTrigger(createdBy string) (workflow.TriggerRequest, error) {
	start, err := time.Parse(time.DateOnly, r.PeriodStart)
	if err != nil {
		return workflow.TriggerRequest{}, models.NewReconError(models.ErrKindInvalidRequest, "period_start", err)
	}
	end, err := time.Parse(time.DateOnly, r.PeriodEnd)
	if err != nil {
		return workflow.TriggerRequest{}, models.NewReconError(models.ErrKindInvalidRequest, "period_end", err)
	}
	return workflow.TriggerRequest{
		PeriodStart: start,
		PeriodEnd:   end,
		County:      r.County,
		Policy: models.PolicyInput{
			AmountPercentageTolerance: r.AmountPercentageTolerance,
			AmountAbsoluteTolerance:   r.AmountAbsoluteTolerance,
			DateToleranceDays:         r.DateTolerance,
			FuzzyMatchThreshold:       r.FuzzyMatchThreshold,
		},
		DryRun:         r.DryRun,
		Sync:           r.Sync,
		IdempotencyKey: strings.TrimSpace(r.IdempotencyKey),
		CreatedBy:      createdBy,
	}, nil
}

// ListRunsQuery is the query string of GET /runs.
type ListRunsQuery struct {
	Status    string `form:"status"`
	County    string `form:"county"`
	From      string `form:"from" binding:"omitempty,datetime=2006-01-02"`
	To        string `form:"to" binding:"omitempty,datetime=2006-01-02"`
	CreatedBy string `form:"created_by"`
	Limit     int    `form:"limit" binding:"omitempty,min=1"`
	Offset    int    `form:"offset" binding:"omitempty,min=0"`
}

func (q ListRunsQuery) toFilter() (models.RunFilter, error) {
	f := models.RunFilter{
		County:    utils.NilIfEmpty(strings.TrimSpace(q.County)),
		CreatedBy: strings.TrimSpace(q.CreatedBy),
		Limit:     q.Limit,
		Offset:    q.Offset,
	}
	if s := strings.TrimSpace(q.Status); s != "" {
		st := models.ReconciliationRunStatus(strings.ToLower(s))
		f.Status = &st
	}
	if q.From != "" {
		d, err := time.Parse(time.DateOnly, q.From)
		if err != nil {
			return f, models.NewReconError(models.ErrKindInvalidRequest, "from", err)
		}
		f.From = &d
	}
	if q.To != "" {
		d, err := time.Parse(time.DateOnly, q.To)
		if err != nil {
			return f, models.NewReconError(models.ErrKindInvalidRequest, "to", err)
		}
		f.To = &d
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, models.NewReconError(models.ErrKindInvalidRequest, "to is before from", nil)
	}
	return f, nil
}

// ExportQuery is the query string of GET /runs/:runId/export.
type ExportQuery struct {
	Status string `form:"status"`
	Format string `form:"format" binding:"omitempty,oneof=json xlsx"`
}

func (q ExportQuery) itemStatus() *models.ItemStatus {
	s := strings.TrimSpace(q.Status)
	if s == "" {
		return nil
	}
	st := models.ItemStatus(strings.ToLower(s))
	return &st
}

func (q ExportQuery) format() string {
	if q.Format == "" {
		return ExportFormatJSON
	}
	return q.Format
}

type errorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func newErrorResponse(kind models.ErrorKind, msg string) errorResponse {
	return errorResponse{Error: string(kind), Message: msg}
}
