package middleware

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"oauth-service/internal/cache"
	"oauth-service/pkg/oautherr"
)

// RateLimitMiddleware creates a rate limiting middleware keyed on the
// authenticated caller's client id (set by the bearer middleware).
func RateLimitMiddleware(store cache.Cache, logger *zap.Logger, defaultLimit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := FromContext(r.Context())
			if !ok {
				// No authenticated caller; the token endpoint does its own
				// per-client limiting after client resolution.
				next.ServeHTTP(w, r)
				return
			}

			exceeded, err := store.CheckRateLimit(r.Context(), ac.ClientID, defaultLimit, window)
			if err != nil {
				logger.Error("Rate limit check failed", zap.Error(err))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			if exceeded {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				w.WriteHeader(oautherr.ErrRateLimitExceeded.Status)
				w.Write([]byte(`{"error":"` + oautherr.ErrRateLimitExceeded.Code + `","error_description":"` + oautherr.ErrRateLimitExceeded.Message + `"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
