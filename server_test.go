package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/stretchr/testify/assert"
)

func TestReadinessGateAndCorrelation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var ready atomic.Bool
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(readinessGate(&ready))
	r.GET("/ping", func(c *gin.Context) {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, cid)
	})

	serve := func(path, cid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if cid != "" {
			req.Header.Set("x-correlation-id", cid)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, serve("/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve("/ping", "").Code)

	ready.Store(true)
	w := serve("/ping", "abc-123")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get("x-correlation-id"))

	w = serve("/ping", "")
	assert.NotEmpty(t, w.Body.String())
}
