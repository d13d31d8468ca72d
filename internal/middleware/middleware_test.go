package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aura-webinar/rtms-relay/internal/auth"
)

func adminRouter(svc *auth.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api", AdminOnly(svc)...)
	g.GET("/sessions", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextSubject))
	})
	return r
}

func get(r http.Handler, path, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminOnly(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	r := adminRouter(svc)

	admin, err := svc.Generate("ops", auth.RoleAdmin, "")
	require.NoError(t, err)
	viewer, err := svc.Generate("v1", auth.RoleViewer, "")
	require.NoError(t, err)

	w := get(r, "/api/sessions", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())

	assert.Equal(t, http.StatusForbidden, get(r, "/api/sessions", "Bearer "+viewer).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/sessions", "Token "+admin).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/sessions", "Bearer junk").Code)
}

func TestAdminOnlyOpenWithoutSecret(t *testing.T) {
	assert.Nil(t, AdminOnly(nil))
	assert.Equal(t, http.StatusOK, get(adminRouter(nil), "/api/sessions", "").Code)
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("https://ops.example, https://other.example"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggerSkipsPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Logger(zap.New(core), "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	get(r, "/health", "")
	get(r, "/boom", "")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "/boom", entries[0].ContextMap()["path"])
}
