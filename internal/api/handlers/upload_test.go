package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupUploadRouter(max int64) *gin.Engine {
	router := gin.New()
	router.POST("/api/upload", NewUploadHandler(max).Upload)
	return router
}

func TestUploadHandler(t *testing.T) {
	router := setupUploadRouter(1024)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var receipt UploadReceipt
	decodeData(t, w, &receipt)
	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, int64(5), receipt.Bytes)
	assert.Equal(t, "text/plain", receipt.ContentType)
	assert.Equal(t, hex.EncodeToString(sum[:]), receipt.SHA256)
}

func TestUploadHandler_Limits(t *testing.T) {
	router := setupUploadRouter(4)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("too long")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "too large")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
