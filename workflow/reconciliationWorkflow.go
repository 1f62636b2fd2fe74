package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("recon_backend/workflow")

const cancelledByOperator = "cancelled by operator"

// TriggerRequest is a validated-at-the-edge request to reconcile one window.
type TriggerRequest struct {
	PeriodStart    time.Time
	PeriodEnd      time.Time
	County         *string
	Policy         models.PolicyInput
	DryRun         bool
	Sync           bool
	IdempotencyKey string
	CreatedBy      string
}

// RunResult is what Trigger, Get and Preview hand back. Items is empty for
// runs that are still in flight or failed.
type RunResult struct {
	Run   *models.ReconciliationRun   `json:"run"`
	Items []models.ReconciliationItem `json:"items,omitempty"`
}

// Orchestrator is the only writer of reconciliation runs.
type Orchestrator struct {
	Store          models.RunStore
	AppLedger      models.LedgerSource
	GatewayLedger  models.LedgerSource
	Guard          RunGuard
	Dispatcher     *RunDispatcher
	Cancels        CancelFlags
	Previews       PreviewCache
	Notifier       Notifier
	Defaults       models.TolerancePolicy
	FetchTimeout   time.Duration
	PersistTimeout time.Duration
	Logger         *logrus.Logger

	nowFunc  func() time.Time
	newRunId func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewOrchestrator(store models.RunStore, appLedger, gatewayLedger models.LedgerSource, guard RunGuard, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		Store:          store,
		AppLedger:      appLedger,
		GatewayLedger:  gatewayLedger,
		Guard:          guard,
		Cancels:        NewMemoryCancelFlags(),
		Previews:       NewMemoryPreviewCache(time.Hour),
		Notifier:       NopNotifier{},
		FetchTimeout:   60 * time.Second,
		PersistTimeout: 30 * time.Second,
		Logger:         logger,
		nowFunc:        func() time.Time { return time.Now().UTC() },
		newRunId:       uuid.NewString,
		inflight:       make(map[string]struct{}),
	}
}

// execution carries one run through the pipeline.
type execution struct {
	run    *models.ReconciliationRun
	policy models.TolerancePolicy
	lease  RunLease
	async  bool
}

// Trigger validates the request, takes the window guard and runs the reconciliation
// inline (Sync) or on the dispatcher. Async triggers return the pending run immediately.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "Trigger")
	defer span.End()

	policy, err := req.Policy.Resolve(o.Defaults)
	if err != nil {
		return nil, spanError(span, err)
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		return nil, spanError(span, models.NewReconError(models.ErrKindInvalidRequest, "period_start and period_end are required", nil))
	}
	start, end := utils.DateOnlyUTC(req.PeriodStart), utils.DateOnlyUTC(req.PeriodEnd)
	if end.Before(start) {
		return nil, spanError(span, models.NewReconError(models.ErrKindInvalidRequest, fmt.Sprintf("period_end %s is before period_start %s", end.Format(time.DateOnly), start.Format(time.DateOnly)), nil))
	}

	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if req.DryRun {
		idemKey = ""
	}
	if idemKey != "" {
		runId, found, err := o.Store.LookupIdempotencyKey(ctx, req.CreatedBy, idemKey)
		if err != nil {
			return nil, spanError(span, models.AsReconError(err, models.ErrKindStorage, "lookup idempotency key"))
		}
		if found {
			return o.replay(ctx, runId)
		}
	}

	run := &models.ReconciliationRun{
		RunId:               o.newRunId(),
		Status:              models.RunStatusPending,
		PeriodStart:         start,
		PeriodEnd:           end,
		CountyFilter:        normalizeCounty(req.County),
		ToleranceConfigUsed: utils.MustMarshalJSON(policy),
		DryRun:              req.DryRun,
		CreatedBy:           req.CreatedBy,
	}
	span.SetAttributes(
		attribute.String("run_id", run.RunId),
		attribute.Bool("dry_run", run.DryRun),
		attribute.Bool("sync", req.Sync),
	)

	lease, err := o.Guard.Acquire(ctx, run.GuardKey())
	if err != nil {
		return nil, spanError(span, err)
	}
	abort := func(err error) (*RunResult, error) {
		o.releaseLease(ctx, run, lease)
		return nil, spanError(span, err)
	}

	if idemKey != "" {
		existing, err := o.Store.ClaimIdempotencyKey(ctx, req.CreatedBy, idemKey, run.RunId)
		if err != nil {
			return abort(models.AsReconError(err, models.ErrKindStorage, "claim idempotency key"))
		}
		if existing != "" {
			o.releaseLease(ctx, run, lease)
			return o.replay(ctx, existing)
		}
	}

	if !run.DryRun {
		if err := o.Store.Create(ctx, run); err != nil {
			if idemKey != "" {
				if rerr := o.Store.ReleaseIdempotencyKey(context.WithoutCancel(ctx), req.CreatedBy, idemKey); rerr != nil {
					config.LogError(o.Logger, "reconciliationWorkflow.go", "Trigger", "releasing idempotency key", run.RunId, rerr)
				}
			}
			return abort(models.AsReconError(err, models.ErrKindStorage, "create run"))
		}
	}

	o.track(run.RunId)
	o.logRun(ctx, run, "Trigger").Info("run accepted")

	exec := &execution{run: run, policy: policy, lease: lease, async: !req.Sync}
	if req.Sync {
		res, err := o.execute(ctx, exec)
		return res, spanError(span, err)
	}

	if o.Dispatcher == nil {
		err := models.NewReconError(models.ErrKindInternal, "async runs are not enabled", nil)
		o.fail(ctx, exec, err)
		o.finish(ctx, exec)
		return nil, spanError(span, err)
	}
	accepted := *run
	bg := context.WithoutCancel(ctx)
	err = o.Dispatcher.Submit(RunJob{
		RunId: run.RunId,
		Ctx:   bg,
		Fn: func(ctx context.Context) {
			_, _ = o.execute(ctx, exec)
		},
	})
	if err != nil {
		err = models.NewReconError(models.ErrKindInternal, "run queue is full", err)
		o.fail(ctx, exec, err)
		o.finish(ctx, exec)
		return nil, spanError(span, err)
	}
	return &RunResult{Run: &accepted}, nil
}

// execute runs one accepted run to a terminal state. It always releases the guard.
func (o *Orchestrator) execute(ctx context.Context, exec *execution) (*RunResult, error) {
	run := exec.run
	ctx = utils.SetRunIdInContext(ctx, run.RunId)
	ctx, span := tracer.Start(ctx, "execute", trace.WithAttributes(attribute.String("run_id", run.RunId)))
	defer span.End()
	defer o.finish(ctx, exec)

	started := o.nowFunc()
	run.Status = models.RunStatusRunning
	run.StartedAt = &started
	if !run.DryRun {
		if err := o.Store.UpdateStatus(ctx, run); err != nil {
			return nil, spanError(span, o.fail(ctx, exec, models.AsReconError(err, models.ErrKindStorage, "mark run running")))
		}
	}

	if err := o.checkCancelled(ctx, run.RunId); err != nil {
		return nil, spanError(span, o.fail(ctx, exec, err))
	}

	query := models.LedgerQuery{PeriodStart: run.PeriodStart, PeriodEnd: run.PeriodEnd, County: run.CountyFilter}
	appRecords, gatewayRecords, err := o.fetchLedgers(ctx, query)
	if err != nil {
		return nil, spanError(span, o.fail(ctx, exec, err))
	}
	if err := exec.lease.Refresh(ctx); err != nil {
		return nil, spanError(span, o.fail(ctx, exec, models.NewReconError(models.ErrKindInternal, "run guard lease lost", err)))
	}

	matcher := NewMatcher(exec.policy)
	matcher.BetweenPasses = func() error { return o.checkCancelled(ctx, run.RunId) }
	_, matchSpan := tracer.Start(ctx, "match")
	res, err := matcher.Match(appRecords, gatewayRecords)
	matchSpan.End()
	if err != nil {
		return nil, spanError(span, o.fail(ctx, exec, models.AsReconError(err, models.ErrKindInternal, "match")))
	}

	applySummary(run, res.Summary)
	completed := o.nowFunc()
	run.CompletedAt = &completed
	if res.Summary.AllMatched() {
		run.Status = models.RunStatusSuccess
	} else {
		run.Status = models.RunStatusPartial
	}
	result := &RunResult{Run: run, Items: res.Items}

	if run.DryRun {
		o.keepPreview(ctx, exec, result)
		o.logRun(ctx, run, "execute").Info("dry run completed")
		return result, nil
	}

	if err := o.persist(ctx, run, res.Items); err != nil {
		err = o.fail(ctx, exec, models.AsReconError(err, models.ErrKindStorage, "persist run"))
		return &RunResult{Run: run, Items: res.Items}, spanError(span, err)
	}
	o.notify(ctx, run)
	o.logRun(ctx, run, "execute").Info("run completed")
	return result, nil
}

func (o *Orchestrator) fetchLedgers(ctx context.Context, q models.LedgerQuery) ([]models.LedgerRecord, []models.LedgerRecord, error) {
	ctx, span := tracer.Start(ctx, "fetchLedgers")
	defer span.End()
	if o.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.FetchTimeout)
		defer cancel()
	}

	var (
		wg                    sync.WaitGroup
		appRecords, gwRecords []models.LedgerRecord
		appErr, gwErr         error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		appRecords, appErr = o.AppLedger.Fetch(ctx, q)
	}()
	go func() {
		defer wg.Done()
		gwRecords, gwErr = o.GatewayLedger.Fetch(ctx, q)
	}()
	wg.Wait()

	if appErr != nil {
		return nil, nil, spanError(span, models.NewReconError(models.ErrKindLedgerFetch, "app ledger", appErr))
	}
	if gwErr != nil {
		return nil, nil, spanError(span, models.NewReconError(models.ErrKindLedgerFetch, "gateway ledger", gwErr))
	}
	span.SetAttributes(attribute.Int("app_records", len(appRecords)), attribute.Int("gateway_records", len(gwRecords)))
	return appRecords, gwRecords, nil
}

// persist writes the run and its items in one transaction. It ignores caller cancellation
// so a started write either lands whole or times out.
func (o *Orchestrator) persist(ctx context.Context, run *models.ReconciliationRun, items []models.ReconciliationItem) error {
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "persist")
	defer span.End()
	if o.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.PersistTimeout)
		defer cancel()
	}
	span.SetAttributes(attribute.Int("items", len(items)))
	return spanError(span, o.Store.Save(ctx, run, items))
}

// fail moves the run to failed and records err as its error message.
func (o *Orchestrator) fail(ctx context.Context, exec *execution, err error) error {
	run := exec.run
	msg := err.Error()
	completed := o.nowFunc()
	run.Status = models.RunStatusFailed
	run.ErrorMessage = &msg
	run.CompletedAt = &completed

	o.logRun(ctx, run, "fail").WithError(err).Error("run failed")
	if run.DryRun {
		o.keepPreview(ctx, exec, &RunResult{Run: run})
		return err
	}

	uctx := context.WithoutCancel(ctx)
	if o.PersistTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(uctx, o.PersistTimeout)
		defer cancel()
	}
	if uerr := o.Store.UpdateStatus(uctx, run); uerr != nil {
		config.LogError(o.Logger, "reconciliationWorkflow.go", "fail", "recording failed status", run.RunId, uerr)
		return err
	}
	o.notify(ctx, run)
	return err
}

func (o *Orchestrator) finish(ctx context.Context, exec *execution) {
	o.releaseLease(ctx, exec.run, exec.lease)
	if err := o.Cancels.Clear(context.WithoutCancel(ctx), exec.run.RunId); err != nil {
		config.LogError(o.Logger, "reconciliationWorkflow.go", "finish", "clearing cancel flag", exec.run.RunId, err)
	}
	o.untrack(exec.run.RunId)
}

func (o *Orchestrator) releaseLease(ctx context.Context, run *models.ReconciliationRun, lease RunLease) {
	if lease == nil {
		return
	}
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		config.LogError(o.Logger, "reconciliationWorkflow.go", "releaseLease", run.GuardKey(), run.RunId, err)
	}
}

func (o *Orchestrator) keepPreview(ctx context.Context, exec *execution, result *RunResult) {
	if !exec.async || o.Previews == nil {
		return
	}
	if err := o.Previews.Put(context.WithoutCancel(ctx), result); err != nil {
		config.LogError(o.Logger, "reconciliationWorkflow.go", "keepPreview", "caching dry run", exec.run.RunId, err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, run *models.ReconciliationRun) {
	if o.Notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.Notifier.RunCompleted(nctx, run); err != nil {
		config.LogError(o.Logger, "reconciliationWorkflow.go", "notify", "publishing run completed", run.RunId, err)
	}
}

func (o *Orchestrator) checkCancelled(ctx context.Context, runId string) error {
	if o.Cancels == nil {
		return nil
	}
	set, err := o.Cancels.IsSet(ctx, runId)
	if err != nil {
		config.LogError(o.Logger, "reconciliationWorkflow.go", "checkCancelled", "reading cancel flag", runId, err)
		return nil
	}
	if set {
		return models.NewReconError(models.ErrKindRunCancelled, cancelledByOperator, nil)
	}
	return nil
}

// replay answers a repeated idempotent trigger with the run it created first.
func (o *Orchestrator) replay(ctx context.Context, runId string) (*RunResult, error) {
	run, items, err := o.Store.Get(ctx, runId)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		items = nil
	}
	return &RunResult{Run: run, Items: items}, nil
}

// Cancel flags a pending or running run. The run stops at its next checkpoint.
func (o *Orchestrator) Cancel(ctx context.Context, runId string) error {
	run, _, err := o.Store.Get(ctx, runId)
	if err != nil {
		if models.IsReconErrorKind(err, models.ErrKindRunNotFound) && o.isInflight(runId) {
			return o.Cancels.Set(ctx, runId)
		}
		return err
	}
	if run.Status.IsTerminal() {
		return models.NewReconError(models.ErrKindInvalidRequest, fmt.Sprintf("run %s is already %s", runId, run.Status), nil)
	}
	return o.Cancels.Set(ctx, runId)
}

func (o *Orchestrator) Get(ctx context.Context, runId string) (*RunResult, error) {
	run, items, err := o.Store.Get(ctx, runId)
	if err != nil {
		return nil, err
	}
	return &RunResult{Run: run, Items: items}, nil
}

func (o *Orchestrator) List(ctx context.Context, filter models.RunFilter) ([]models.RunSummary, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, models.NewReconError(models.ErrKindInvalidRequest, fmt.Sprintf("unknown run status %q", *filter.Status), nil)
	}
	return o.Store.List(ctx, filter)
}

func (o *Orchestrator) Export(ctx context.Context, runId string, status *models.ItemStatus) ([]models.ReconciliationItem, error) {
	if status != nil && !status.IsValid() {
		return nil, models.NewReconError(models.ErrKindInvalidRequest, fmt.Sprintf("unknown item status %q", *status), nil)
	}
	return o.Store.Export(ctx, runId, status)
}

// Preview returns a cached async dry-run result.
func (o *Orchestrator) Preview(ctx context.Context, runId string) (*RunResult, error) {
	if o.Previews == nil {
		return nil, previewNotFound(runId)
	}
	return o.Previews.Get(ctx, runId)
}

// Purge soft-deletes terminal runs completed before cutoff.
func (o *Orchestrator) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return o.Store.SoftDeleteCompletedBefore(ctx, cutoff)
}

func (o *Orchestrator) track(runId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[runId] = struct{}{}
}

func (o *Orchestrator) untrack(runId string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, runId)
}

func (o *Orchestrator) isInflight(runId string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[runId]
	return ok
}

func (o *Orchestrator) logRun(ctx context.Context, run *models.ReconciliationRun, funcName string) *logrus.Entry {
	logger := o.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return logger.WithFields(logrus.Fields{
		"field":          "Orchestrator." + funcName,
		"run_id":         run.RunId,
		"status":         run.Status,
		"dry_run":        run.DryRun,
		"correlation_id": correlationId,
	})
}

func applySummary(run *models.ReconciliationRun, s MatchSummary) {
	run.MatchedCount = s.Matched
	run.AmountMismatchCount = s.AmountMismatch
	run.UnmatchedAppCount = s.UnmatchedApp
	run.UnmatchedGatewayCount = s.UnmatchedGateway
	run.DuplicateAppCount = s.DuplicateApp
	run.DuplicateGatewayCount = s.DuplicateGateway
	run.TotalAppAmount = s.TotalAppAmount
	run.TotalGatewayAmount = s.TotalGatewayAmount
	run.TotalDiscrepancy = s.TotalDiscrepancy
}

func normalizeCounty(county *string) *string {
	if county == nil {
		return nil
	}
	c := strings.TrimSpace(*county)
	if c == "" {
		return nil
	}
	return &c
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
