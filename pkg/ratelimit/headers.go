package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
	HeaderError      = "X-RateLimit-Error"
)

// AddRateLimitHeaders sets the standard headers for a result. Retry-After is
// only present when the request was limited.
func AddRateLimitHeaders(h http.Header, res Result, now time.Time) {
	h.Set(HeaderLimit, strconv.Itoa(res.Total))
	h.Set(HeaderRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(ceilDiv(res.ResetTime, 1000), 10))

	if res.RateLimited {
		h.Set(HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds(res, now)))
	} else {
		h.Del(HeaderRetryAfter)
	}
}

// RetryAfterSeconds rounds the time left in the window up to whole seconds
func RetryAfterSeconds(res Result, now time.Time) int {
	remaining := res.ResetTime - now.UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return int(ceilDiv(remaining, 1000))
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return a / b
	}
	return (a + b - 1) / b
}
