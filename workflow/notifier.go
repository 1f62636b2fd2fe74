package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
)

// RunCompletedEvent is published once a persisted run reaches a terminal status.
type RunCompletedEvent struct {
	RunId            string                         `json:"run_id"`
	Status           models.ReconciliationRunStatus `json:"status"`
	PeriodStart      string                         `json:"period_start"`
	PeriodEnd        string                         `json:"period_end"`
	County           *string                        `json:"county,omitempty"`
	Matched          int                            `json:"matched"`
	AmountMismatch   int                            `json:"amount_mismatch"`
	UnmatchedApp     int                            `json:"unmatched_app"`
	UnmatchedGateway int                            `json:"unmatched_gateway"`
	Duplicate        int                            `json:"duplicate"`
	TotalDiscrepancy decimal.Decimal                `json:"total_discrepancy"`
	ErrorMessage     *string                        `json:"error_message,omitempty"`
	CreatedBy        string                         `json:"created_by"`
	CompletedAt      *time.Time                     `json:"completed_at"`
}

func NewRunCompletedEvent(run *models.ReconciliationRun) RunCompletedEvent {
	return RunCompletedEvent{
		RunId:            run.RunId,
		Status:           run.Status,
		PeriodStart:      run.PeriodStart.Format(time.DateOnly),
		PeriodEnd:        run.PeriodEnd.Format(time.DateOnly),
		County:           run.CountyFilter,
		Matched:          run.MatchedCount,
		AmountMismatch:   run.AmountMismatchCount,
		UnmatchedApp:     run.UnmatchedAppCount,
		UnmatchedGateway: run.UnmatchedGatewayCount,
		Duplicate:        run.DuplicateAppCount + run.DuplicateGatewayCount,
		TotalDiscrepancy: run.TotalDiscrepancy,
		ErrorMessage:     run.ErrorMessage,
		CreatedBy:        run.CreatedBy,
		CompletedAt:      run.CompletedAt,
	}
}

type Notifier interface {
	RunCompleted(ctx context.Context, run *models.ReconciliationRun) error
}

type NopNotifier struct{}

func (NopNotifier) RunCompleted(ctx context.Context, run *models.ReconciliationRun) error { return nil }

// PubSubNotifier publishes RunCompletedEvent as JSON on Topic.
type PubSubNotifier struct {
	Topic string
}

func NewPubSubNotifier(topic string) *PubSubNotifier {
	return &PubSubNotifier{Topic: topic}
}

func (n *PubSubNotifier) RunCompleted(ctx context.Context, run *models.ReconciliationRun) error {
	_, err := config.PublishJSON(ctx, n.Topic, NewRunCompletedEvent(run), map[string]string{
		"event":  "reconciliation.run.completed",
		"status": string(run.Status),
		"run_id": run.RunId,
	})
	return err
}
