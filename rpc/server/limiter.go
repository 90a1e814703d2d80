package server

import (
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/colock/colock/rpc/common"
)

// --------------------------------------------------------------------------
// Per-user token bucket
// --------------------------------------------------------------------------

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// userRateLimiter is a token-bucket IRateLimiter keyed by user id.
// Requests without an identity header are keyed by remote address so
// unauthenticated probing is throttled too.
type userRateLimiter struct {
	perMinute float64
	burst     float64
	buckets   *xsync.MapOf[string, bucket]
	now       func() time.Time
}

// NewUserRateLimiter returns a limiter admitting perMinute requests per
// user with bursts up to twice that. perMinute <= 0 admits everything.
func NewUserRateLimiter(perMinute int) IRateLimiter {
	if perMinute <= 0 {
		return allowAllLimiter{}
	}
	return &userRateLimiter{
		perMinute: float64(perMinute),
		burst:     float64(perMinute) * 2,
		buckets:   xsync.NewMapOf[string, bucket](),
		now:       time.Now,
	}
}

func (l *userRateLimiter) Allow(r *http.Request) bool {
	key := r.Header.Get(common.HeaderUserID)
	if key == "" {
		key = r.RemoteAddr
	}

	now := l.now()
	allowed := false
	l.buckets.Compute(key, func(b bucket, ok bool) (bucket, bool) {
		if !ok {
			b = bucket{tokens: l.burst, lastSeen: now}
		}
		// Refill proportionally to elapsed time.
		b.tokens = min(l.burst, b.tokens+now.Sub(b.lastSeen).Minutes()*l.perMinute)
		b.lastSeen = now
		if b.tokens >= 1 {
			b.tokens--
			allowed = true
		}
		return b, false
	})
	return allowed
}
