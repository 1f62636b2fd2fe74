package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/stretchr/testify/assert"
)

func sessionRouter(lookup TokenLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SessionMiddleware(lookup))
	r.GET("/open", func(c *gin.Context) {
		username, _ := utils.GetUsernameFromContext(c.Request.Context())
		if token, ok := utils.GetTokenFromContext(c.Request.Context()); ok {
			c.Header("X-Token", token)
		}
		c.String(http.StatusOK, username)
	})
	r.GET("/closed", RequireUser(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func fakeLookup(ctx context.Context, token string) (string, bool, error) {
	switch token {
	case "good":
		return "ops@example.com", true, nil
	case "broken":
		return "", false, errors.New("redis down")
	}
	return "", false, nil
}

func TestSessionMiddleware(t *testing.T) {
	r := sessionRouter(fakeLookup)

	cases := []struct {
		name     string
		path     string
		header   string
		value    string
		wantCode int
		wantBody string
	}{
		{"no token passes through", "/open", "", "", http.StatusOK, ""},
		{"token header", "/open", "token", "good", http.StatusOK, "ops@example.com"},
		{"bearer header", "/open", "Authorization", "Bearer good", http.StatusOK, "ops@example.com"},
		{"unknown token", "/open", "token", "nope", http.StatusUnauthorized, ""},
		{"lookup error", "/open", "token", "broken", http.StatusUnauthorized, ""},
		{"require user without token", "/closed", "", "", http.StatusUnauthorized, ""},
		{"require user with token", "/closed", "token", "good", http.StatusNoContent, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.wantCode, w.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, tc.wantBody, w.Body.String())
				if tc.wantBody != "" {
					assert.Equal(t, "good", w.Header().Get("X-Token"))
				}
			}
		})
	}
}
