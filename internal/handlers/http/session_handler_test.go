package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"meshcall/internal/infrastructure/middleware"
	"meshcall/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticRelay int

func (r staticRelay) ConnectedPeers() int { return int(r) }

func newTestRouter(t *testing.T) (*gin.Engine, *SessionHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memory.NewMemorySessionRepository()
	ctx := context.Background()
	require.NoError(t, repo.Join(ctx, "standup", "peer-b"))
	require.NoError(t, repo.Join(ctx, "standup", "peer-a"))

	handler := NewSessionHandler(repo, staticRelay(2))
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	handler.SetupRoutes(router)
	return router, handler
}

func get(t *testing.T, router *gin.Engine, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestSessionHandler_GetSession(t *testing.T) {
	router, _ := newTestRouter(t)

	code, body := get(t, router, "/api/v1/sessions/standup")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["count"])
	assert.ElementsMatch(t, []interface{}{"peer-a", "peer-b"}, body["members"])

	code, body = get(t, router, "/api/v1/sessions/empty")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []interface{}{}, body["members"])
}

func TestSessionHandler_InvalidSession(t *testing.T) {
	router, _ := newTestRouter(t)

	code, body := get(t, router, "/api/v1/sessions/bad%20id")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_INPUT", body["error"])
}

func TestSessionHandler_GetStats(t *testing.T) {
	router, _ := newTestRouter(t)

	code, body := get(t, router, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["connected_peers"])
}
