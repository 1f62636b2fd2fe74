package reconapi

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/config"
	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/models/reports"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/mmdatafocus/recon_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Handler exposes the reconciliation orchestrator over HTTP.
type Handler struct {
	Orchestrator *workflow.Orchestrator
	Logger       *logrus.Logger
}

func NewHandler(o *workflow.Orchestrator, logger *logrus.Logger) *Handler {
	return &Handler{Orchestrator: o, Logger: logger}
}

// Register mounts the routes under rg, e.g. /api/reconciliation.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/runs", h.TriggerRun)
	rg.GET("/runs", h.ListRuns)
	rg.GET("/runs/:runId", h.GetRun)
	rg.GET("/runs/:runId/export", h.ExportRun)
	rg.POST("/runs/:runId/cancel", h.CancelRun)
	rg.GET("/previews/:runId", h.GetPreview)
}

// StatusForError maps an engine error kind to an HTTP status.
func StatusForError(err error) int {
	switch models.ErrorKindOf(err) {
	case models.ErrKindInvalidPolicy, models.ErrKindInvalidRequest:
		return http.StatusBadRequest
	case models.ErrKindRunNotFound:
		return http.StatusNotFound
	case models.ErrKindConcurrentRunConflict:
		return http.StatusConflict
	case models.ErrKindLedgerFetch:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) abortWithError(c *gin.Context, funcName string, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError && h.Logger != nil {
		config.LogError(h.Logger, "reconapi", funcName, c.FullPath(), c.Params, err)
	}
	c.AbortWithStatusJSON(status, newErrorResponse(models.ErrorKindOf(err), err.Error()))
}

func abortWithValidation(c *gin.Context, err error) {
	resp := newErrorResponse(models.ErrKindInvalidRequest, "invalid request")
	resp.Fields = utils.ProcessValidationErrors(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

func (h *Handler) TriggerRun(c *gin.Context) {
	var body TriggerRunRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithValidation(c, err)
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	createdBy, _ := utils.GetUsernameFromContext(c.Request.Context())
	req, err := body.toTrigger(createdBy)
	if err != nil {
		h.abortWithError(c, "TriggerRun", err)
		return
	}

	result, err := h.Orchestrator.Trigger(c.Request.Context(), req)
	if err != nil && result != nil {
		// matched but not persisted; the caller still gets the items
		config.LogError(h.Logger, "reconapi", "TriggerRun", "persist", result.Run.RunId, err)
		c.AbortWithStatusJSON(StatusForError(err), gin.H{
			"error":   models.ErrorKindOf(err),
			"message": err.Error(),
			"run":     result.Run,
			"items":   result.Items,
		})
		return
	}
	if err != nil {
		h.abortWithError(c, "TriggerRun", err)
		return
	}
	status := http.StatusOK
	if !result.Run.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (h *Handler) ListRuns(c *gin.Context) {
	var q ListRunsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortWithValidation(c, err)
		return
	}
	filter, err := q.toFilter()
	if err != nil {
		h.abortWithError(c, "ListRuns", err)
		return
	}
	runs, err := h.Orchestrator.List(c.Request.Context(), filter)
	if err != nil {
		h.abortWithError(c, "ListRuns", err)
		return
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "limit": filter.EffectiveLimit(), "offset": filter.Offset})
}

func (h *Handler) GetRun(c *gin.Context) {
	result, err := h.Orchestrator.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.abortWithError(c, "GetRun", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ExportRun(c *gin.Context) {
	var q ExportQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortWithValidation(c, err)
		return
	}
	runId := c.Param("runId")
	status := q.itemStatus()
	items, err := h.Orchestrator.Export(c.Request.Context(), runId, status)
	if err != nil {
		h.abortWithError(c, "ExportRun", err)
		return
	}

	if q.format() == ExportFormatJSON {
		if items == nil {
			items = []models.ReconciliationItem{}
		}
		c.JSON(http.StatusOK, gin.H{"run_id": runId, "items": items})
		return
	}

	result, err := h.Orchestrator.Get(c.Request.Context(), runId)
	if err != nil {
		h.abortWithError(c, "ExportRun", err)
		return
	}
	var buf bytes.Buffer
	if err := reports.WriteItemsXLSX(&buf, result.Run, items); err != nil {
		h.abortWithError(c, "ExportRun", models.NewReconError(models.ErrKindInternal, "build workbook", err))
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+reports.ExportFileName(runId, status))
	c.Data(http.StatusOK, reports.XLSXContentType, buf.Bytes())
}

func (h *Handler) CancelRun(c *gin.Context) {
	runId := strings.TrimSpace(c.Param("runId"))
	if err := h.Orchestrator.Cancel(c.Request.Context(), runId); err != nil {
		h.abortWithError(c, "CancelRun", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runId, "cancel_requested": true})
}

func (h *Handler) GetPreview(c *gin.Context) {
	result, err := h.Orchestrator.Preview(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.abortWithError(c, "GetPreview", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
