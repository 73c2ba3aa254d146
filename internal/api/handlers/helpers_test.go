package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"resilience/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func performJSON(router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeData unmarshals the data field of an APIResponse into out
func decodeData(t *testing.T, w *httptest.ResponseRecorder, out interface{}) utils.APIResponse {
	t.Helper()
	var raw struct {
		utils.APIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	if out != nil {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return raw.APIResponse
}
