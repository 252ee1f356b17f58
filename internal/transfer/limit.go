// Package transfer holds chunk throttling helpers shared by the RPC client.
package transfer

import (
	"fsproxy/internal/core/types"

	"golang.org/x/time/rate"
)

// NewRateLimiter builds a limiter for chunk payloads. A zero rate means
// unlimited. The burst is clamped so a single wait can never exceed a tenth
// of the per-second budget.
func NewRateLimiter(rateLimit, rateBurst types.Bytes) *rate.Limiter {
	limit := rateLimit.Int()
	if limit == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := rateBurst.Int()
	if burst > limit/10 {
		burst = limit / 10
	}
	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(limit), burst)
}
