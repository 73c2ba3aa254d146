package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"resilience/pkg/utils"

	"github.com/gin-gonic/gin"
)

// UploadReceipt acknowledges an accepted upload
type UploadReceipt struct {
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"contentType,omitempty"`
	SHA256      string `json:"sha256"`
}

type UploadHandler struct {
	maxBytes int64
}

func NewUploadHandler(maxBytes int64) *UploadHandler {
	return &UploadHandler{maxBytes: maxBytes}
}

// Upload consumes the body and returns its size and digest. Chunked bodies
// without a Content-Length are capped here.
func (h *UploadHandler) Upload(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	digest := sha256.New()
	n, err := io.Copy(digest, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.String(http.StatusBadRequest, "Request body too large: exceeds the %d byte limit", h.maxBytes)
			return
		}
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to read upload", err)
		return
	}
	if n == 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Upload body is empty", nil)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Upload received", UploadReceipt{
		Bytes:       n,
		ContentType: c.ContentType(),
		SHA256:      hex.EncodeToString(digest.Sum(nil)),
	})
}
