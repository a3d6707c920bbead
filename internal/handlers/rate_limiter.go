package handlers

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shopvn/orderflow/internal/platform/httpx"
	"github.com/shopvn/orderflow/internal/platform/ratelimit"
	"github.com/shopvn/orderflow/internal/platform/requestctx"
)

// ClientRateLimit rejects a client IP with 429 once the limiter refuses it. A nil limiter
// disables the middleware; limiter errors let the request through.
func ClientRateLimit(limiter ratelimit.Limiter, clock func() time.Time) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if clock == nil {
		clock = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			decision, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				requestctx.Logger(r.Context()).Warn("rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				retry := int(math.Ceil(decision.Reset.Sub(clock()).Seconds()))
				h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
