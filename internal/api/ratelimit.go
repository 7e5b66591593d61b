package api

import (
	"net/http"
	"sync"
	"time"
)

// rateLimit is a token-bucket middleware refilled at requestsPerMinute.
func rateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	tokens := requestsPerMinute
	lastRefill := time.Now()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			now := time.Now()
			refill := int(now.Sub(lastRefill).Minutes() * float64(requestsPerMinute))
			if refill > 0 {
				tokens = min(tokens+refill, requestsPerMinute)
				lastRefill = now
			}

			if tokens <= 0 {
				mu.Unlock()
				w.Header().Set("Retry-After", "60")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			tokens--
			mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}
