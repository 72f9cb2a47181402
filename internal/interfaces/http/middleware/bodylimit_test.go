package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// valueEngine mimics the settings value endpoint behind a body limit and
// reports how the body was bound.
func valueEngine(limit int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.PUT("/settings/value", BodyLimit(limit), func(c *gin.Context) {
		var req struct {
			Path  string `json:"path"`
			Value any    `json:"value"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.String(http.StatusRequestEntityTooLarge, TooLargeMessage(tooLarge.Limit))
				return
			}
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		c.String(http.StatusOK, req.Path)
	})
	return engine
}

func valueBody(size int) string {
	return `{"path":"preferences.theme","value":"` + strings.Repeat("d", size) + `"}`
}

func TestBodyLimit(t *testing.T) {
	const limit = 256

	tests := []struct {
		name    string
		body    string
		chunked bool
		status  int
		want    string
	}{
		{"fits", valueBody(8), false, http.StatusOK, "preferences.theme"},
		{"exactly at the limit", valueBody(limit - len(valueBody(0))), false, http.StatusOK, "preferences.theme"},
		{"declared length above the limit", valueBody(limit), false, http.StatusRequestEntityTooLarge, "ERR_REQUEST_TOO_LARGE"},
		{"chunked body cut off while binding", valueBody(limit), true, http.StatusRequestEntityTooLarge, "limit of 256 bytes"},
		{"small chunked body", valueBody(8), true, http.StatusOK, "preferences.theme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/settings/value", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.chunked {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			valueEngine(limit).ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestBodyLimit_RejectionEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/settings/value", strings.NewReader(valueBody(64)))
	w := httptest.NewRecorder()
	valueEngine(32).ServeHTTP(w, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "ERR_REQUEST_TOO_LARGE", env.Error.Code)
	assert.Equal(t, "Request body exceeds the limit of 32 bytes", env.Error.Message)
}
