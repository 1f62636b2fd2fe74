package reconapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/models/reports"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type stubLedger struct {
	records []models.LedgerRecord
	err     error
}

func (s stubLedger) Fetch(ctx context.Context, q models.LedgerQuery) ([]models.LedgerRecord, error) {
	return s.records, s.err
}

type apiFixture struct {
	router *gin.Engine
	orch   *workflow.Orchestrator
	guard  *workflow.LocalRunGuard
}

func record(source models.LedgerSourceType, id, ref, amount string, day int) models.LedgerRecord {
	d := time.Date(2025, 1, day, 9, 0, 0, 0, time.UTC)
	return models.LedgerRecord{
		RecordId:        id,
		Reference:       ref,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "KES",
		TransactionDate: &d,
		Source:          source,
	}
}

func newAPIFixture(t *testing.T, app, gw models.LedgerSource) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	guard := workflow.NewLocalRunGuard()
	o := workflow.NewOrchestrator(models.NewMemoryRunStore(), app, gw, guard, logger)
	defaults, err := models.NewTolerancePolicy(decimal.RequireFromString("0.01"), decimal.Zero, 1, 80)
	require.NoError(t, err)
	o.Defaults = defaults

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Request = c.Request.WithContext(utils.SetUsernameInContext(c.Request.Context(), u))
		}
		c.Next()
	})
	NewHandler(o, logger).Register(r.Group("/api/reconciliation"))
	return &apiFixture{router: r, orch: o, guard: guard}
}

func defaultFixture(t *testing.T) *apiFixture {
	app := stubLedger{records: []models.LedgerRecord{
		record(models.LedgerSourceApp, "A1", "R1", "100", 3),
		record(models.LedgerSourceApp, "A2", "R2", "50", 4),
	}}
	gw := stubLedger{records: []models.LedgerRecord{
		record(models.LedgerSourceGateway, "G1", "R1", "100", 3),
		record(models.LedgerSourceGateway, "G3", "R3", "999", 20),
	}}
	return newAPIFixture(t, app, gw)
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", "ops@example.com")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func januaryBody() map[string]any {
	return map[string]any{"period_start": "2025-01-01", "period_end": "2025-01-31", "sync": true}
}

func (f *apiFixture) triggerSync(t *testing.T) workflow.RunResult {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/reconciliation/runs", januaryBody())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[workflow.RunResult](t, w)
}

func TestTriggerRun_Sync(t *testing.T) {
	f := defaultFixture(t)
	res := f.triggerSync(t)

	assert.Equal(t, models.RunStatusPartial, res.Run.Status)
	assert.Equal(t, "ops@example.com", res.Run.CreatedBy)
	assert.Equal(t, 1, res.Run.MatchedCount)
	assert.Equal(t, 1, res.Run.UnmatchedAppCount)
	assert.Equal(t, 1, res.Run.UnmatchedGatewayCount)
	assert.Len(t, res.Items, 4)
}

func TestTriggerRun_Validation(t *testing.T) {
	f := defaultFixture(t)

	w := f.do(t, http.MethodPost, "/api/reconciliation/runs", map[string]any{"period_end": "2025-01-31"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Equal(t, string(models.ErrKindInvalidRequest), resp.Error)
	assert.Equal(t, "required", resp.Fields["PeriodStart"])

	w = f.do(t, http.MethodPost, "/api/reconciliation/runs", map[string]any{"period_start": "01/02/2025", "period_end": "2025-01-31"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "datetime", decode[errorResponse](t, w).Fields["PeriodStart"])

	w = f.do(t, http.MethodPost, "/api/reconciliation/runs", map[string]any{"period_start": "2025-02-01", "period_end": "2025-01-31"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.ErrKindInvalidRequest), decode[errorResponse](t, w).Error)

	body := januaryBody()
	body["fuzzy_match_threshold"] = 150
	w = f.do(t, http.MethodPost, "/api/reconciliation/runs", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.ErrKindInvalidPolicy), decode[errorResponse](t, w).Error)

	w = f.do(t, http.MethodPost, "/api/reconciliation/runs", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerRun_LedgerFailureIsBadGateway(t *testing.T) {
	f := newAPIFixture(t, stubLedger{}, stubLedger{err: errors.New("gateway timeout")})
	w := f.do(t, http.MethodPost, "/api/reconciliation/runs", januaryBody())
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(models.ErrKindLedgerFetch), decode[errorResponse](t, w).Error)
}

func TestTriggerRun_ConflictIsConflict(t *testing.T) {
	f := defaultFixture(t)
	key := models.ReconciliationRun{
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}.GuardKey()
	lease, err := f.guard.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	w := f.do(t, http.MethodPost, "/api/reconciliation/runs", januaryBody())
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(models.ErrKindConcurrentRunConflict), decode[errorResponse](t, w).Error)
}

func TestTriggerRun_IdempotencyHeader(t *testing.T) {
	f := defaultFixture(t)
	send := func() workflow.RunResult {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(januaryBody()))
		req := httptest.NewRequest(http.MethodPost, "/api/reconciliation/runs", &buf)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Test-User", "ops@example.com")
		req.Header.Set("Idempotency-Key", "jan-close")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return decode[workflow.RunResult](t, w)
	}
	first := send()
	second := send()
	assert.Equal(t, first.Run.RunId, second.Run.RunId)
	assert.Len(t, second.Items, len(first.Items))
}

func TestGetRun(t *testing.T) {
	f := defaultFixture(t)
	res := f.triggerSync(t)

	w := f.do(t, http.MethodGet, "/api/reconciliation/runs/"+res.Run.RunId, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[workflow.RunResult](t, w)
	assert.Equal(t, res.Run.RunId, got.Run.RunId)
	assert.Len(t, got.Items, 4)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(models.ErrKindRunNotFound), decode[errorResponse](t, w).Error)
}

func TestListRuns(t *testing.T) {
	f := defaultFixture(t)
	res := f.triggerSync(t)

	w := f.do(t, http.MethodGet, "/api/reconciliation/runs?status=partial&created_by=ops@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Runs  []models.RunSummary `json:"runs"`
		Limit int                 `json:"limit"`
	}](t, w)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, res.Run.RunId, body.Runs[0].RunId)
	assert.Equal(t, models.DefaultRunListLimit, body.Limit)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs?status=success", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":[]`)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs?from=2025-02-01&to=2025-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs?limit=0x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportRun_JSON(t *testing.T) {
	f := defaultFixture(t)
	res := f.triggerSync(t)
	base := "/api/reconciliation/runs/" + res.Run.RunId + "/export"

	w := f.do(t, http.MethodGet, base+"?status=unmatched_app", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Items []models.ReconciliationItem `json:"items"`
	}](t, w)
	require.Len(t, body.Items, 1)
	assert.Equal(t, "A2", body.Items[0].RecordId)

	w = f.do(t, http.MethodGet, base+"?status=weird", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, base+"?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs/missing/export", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportRun_XLSX(t *testing.T) {
	f := defaultFixture(t)
	res := f.triggerSync(t)

	w := f.do(t, http.MethodGet, "/api/reconciliation/runs/"+res.Run.RunId+"/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, reports.XLSXContentType, w.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(w.Header().Get("Content-Disposition"), res.Run.RunId))

	wb, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(reports.ItemsSheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestCancelRun(t *testing.T) {
	f := defaultFixture(t)
	res := f.triggerSync(t)

	w := f.do(t, http.MethodPost, "/api/reconciliation/runs/"+res.Run.RunId+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "terminal runs cannot be cancelled")

	w = f.do(t, http.MethodPost, "/api/reconciliation/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAsyncDryRunPreview(t *testing.T) {
	f := defaultFixture(t)
	d := workflow.NewRunDispatcher(nil, 1, 4)
	f.orch.Dispatcher = d
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	w := f.do(t, http.MethodPost, "/api/reconciliation/runs", map[string]any{
		"period_start": "2025-01-01", "period_end": "2025-01-31", "dry_run": true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decode[workflow.RunResult](t, w)
	assert.Equal(t, models.RunStatusPending, accepted.Run.Status)

	var preview workflow.RunResult
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/reconciliation/previews/"+accepted.Run.RunId, nil)
		if w.Code != http.StatusOK {
			return false
		}
		preview = decode[workflow.RunResult](t, w)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, preview.Run.DryRun)
	assert.Len(t, preview.Items, 4)

	w = f.do(t, http.MethodGet, "/api/reconciliation/runs/"+accepted.Run.RunId, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "dry runs are never stored")
}

func TestStatusForError(t *testing.T) {
	cases := map[models.ErrorKind]int{
		models.ErrKindInvalidPolicy:         http.StatusBadRequest,
		models.ErrKindInvalidRequest:        http.StatusBadRequest,
		models.ErrKindRunNotFound:           http.StatusNotFound,
		models.ErrKindConcurrentRunConflict: http.StatusConflict,
		models.ErrKindLedgerFetch:           http.StatusBadGateway,
		models.ErrKindStorage:               http.StatusInternalServerError,
		models.ErrKindInternal:              http.StatusInternalServerError,
		models.ErrKindRunCancelled:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusForError(models.NewReconError(kind, "x", nil)), kind)
	}
	assert.Equal(t, http.StatusInternalServerError, StatusForError(errors.New("plain")))
}
