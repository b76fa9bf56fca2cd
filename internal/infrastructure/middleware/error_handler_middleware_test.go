package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func serve(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/missing", func(c *gin.Context) {
		c.Error(apperrors.NewPeerNotFoundError("p1", nil))
	})
	router.GET("/bad", func(c *gin.Context) {
		c.Error(apperrors.NewInvalidInputError("session id required"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unreachable state")
	})

	w, body := serve(t, router, "/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "PEER_NOT_FOUND", body["error"])

	w, body = serve(t, router, "/bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "session id required", body["message"])

	w, body = serve(t, router, "/plain")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])

	w, body = serve(t, router, "/panic")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrCodeInvalidInput, http.StatusBadRequest},
		{apperrors.ErrCodePeerNotFound, http.StatusNotFound},
		{apperrors.ErrCodeRateLimit, http.StatusTooManyRequests},
		{apperrors.ErrCodeTransportDelivery, http.StatusBadGateway},
		{apperrors.ErrCodeNegotiationProtocol, http.StatusUnprocessableEntity},
		{apperrors.ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
