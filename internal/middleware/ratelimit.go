package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit limits requests per client address. A non-positive limit disables
// it.
func RateLimit(requestLimit int, windowLength time.Duration) func(http.Handler) http.Handler {
	if requestLimit <= 0 || windowLength <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	retryAfter := strconv.Itoa(int(windowLength.Seconds()))
	return httprate.Limit(
		requestLimit,
		windowLength,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","retryable":true}`))
		}),
	)
}
