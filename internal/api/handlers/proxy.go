package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"resilience/internal/api/middleware"
	"resilience/pkg/circuitbreaker"
	"resilience/pkg/utils"

	"github.com/gin-gonic/gin"
)

const maxUpstreamBody = 10 << 20

// Headers that apply to a single connection and must not be forwarded
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// forwardable reports whether header k may cross the proxy in either
// direction. The admin credential never leaves this service.
func forwardable(k string) bool {
	k = http.CanonicalHeaderKey(k)
	return !hopByHopHeaders[k] && k != middleware.HeaderAdminToken
}

// upstreamError marks a 5xx answer so the breaker counts it as a failure
type upstreamError struct {
	status int
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

// ProxyHandler forwards /api/external requests to the upstream dependency
// through its circuit breaker
type ProxyHandler struct {
	breaker  *circuitbreaker.Breaker
	upstream *url.URL
	client   *http.Client
	logger   *slog.Logger
}

// NewProxyHandler creates the proxy. An empty upstream answers 503.
func NewProxyHandler(breaker *circuitbreaker.Breaker, upstream string, client *http.Client, logger *slog.Logger) (*ProxyHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}

	h := &ProxyHandler{
		breaker: breaker,
		client:  client,
		logger:  logger.With("handler", "proxy", "circuit", breaker.Name()),
	}
	if upstream != "" {
		u, err := url.Parse(upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid upstream URL %q: scheme and host are required", upstream)
		}
		h.upstream = u
	}
	return h, nil
}

func (h *ProxyHandler) Forward(c *gin.Context) {
	if h.upstream == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "No upstream configured", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpstreamBody))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	target := h.targetURL(c.Param("path"), c.Request.URL.RawQuery)
	resp, err := circuitbreaker.Call(c.Request.Context(), h.breaker, func(ctx context.Context) (*upstreamResponse, error) {
		return h.roundTrip(ctx, c.Request.Method, target, c.Request.Header, body)
	})

	var upErr *upstreamError
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		status := h.breaker.GetStatus(c.Request.Context())
		if status.NextRetryAt > 0 {
			retry := (status.NextRetryAt - time.Now().UnixMilli() + 999) / 1000
			if retry > 0 {
				c.Header("Retry-After", strconv.FormatInt(retry, 10))
			}
		}
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Service temporarily unavailable", err)
		return
	case errors.Is(err, circuitbreaker.ErrTimeout):
		utils.ErrorResponse(c, http.StatusGatewayTimeout, "Upstream timed out", err)
		return
	case errors.As(err, &upErr):
		h.logger.Warn("upstream error", "target", target, "status", upErr.status)
		utils.ErrorResponse(c, http.StatusBadGateway, "Upstream error", err)
		return
	case err != nil:
		h.logger.Warn("upstream call failed", "target", target, "error", err)
		utils.ErrorResponse(c, http.StatusBadGateway, "Upstream unavailable", err)
		return
	}

	for k, values := range resp.header {
		if !forwardable(k) {
			continue
		}
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Data(resp.status, resp.header.Get("Content-Type"), resp.body)
}

func (h *ProxyHandler) targetURL(path, rawQuery string) string {
	u := *h.upstream
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = rawQuery
	return u.String()
}

func (h *ProxyHandler) roundTrip(ctx context.Context, method, target string, header http.Header, body []byte) (*upstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, values := range header {
		if !forwardable(k) {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &upstreamError{status: resp.StatusCode}
	}
	return &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}
