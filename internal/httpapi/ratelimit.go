package httpapi

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync"
	"golang.org/x/time/rate"
)

const defaultLimiterSweepInterval = time.Minute

// voteLimiter throttles vote requests per user. Limiters that have refilled to a full burst are
// dropped on a periodic sweep, so the map only holds recently active voters.
type voteLimiter struct {
	limiters      *xsync.MapOf[string, *rate.Limiter]
	limit         rate.Limit
	burst         int
	sweepInterval time.Duration
	lastSweep     atomic.Int64
	nowFn         func() time.Time
}

func newVoteLimiter(perSecond float64, burst int) *voteLimiter {
	limiter := &voteLimiter{
		limiters:      xsync.NewMapOf[*rate.Limiter](),
		limit:         rate.Limit(perSecond),
		burst:         burst,
		sweepInterval: defaultLimiterSweepInterval,
		nowFn:         time.Now,
	}
	limiter.lastSweep.Store(limiter.nowFn().UnixNano())
	return limiter
}

func (limiter *voteLimiter) allow(key string) bool {
	now := limiter.nowFn()
	limiter.sweep(now)
	userLimiter, loaded := limiter.limiters.Load(key)
	if !loaded {
		userLimiter, _ = limiter.limiters.LoadOrStore(key, rate.NewLimiter(limiter.limit, limiter.burst))
	}
	return userLimiter.AllowN(now, 1)
}

// sweep runs at most once per sweepInterval. A limiter with a full bucket is indistinguishable
// from a new one.
func (limiter *voteLimiter) sweep(now time.Time) {
	last := limiter.lastSweep.Load()
	if now.UnixNano()-last < int64(limiter.sweepInterval) {
		return
	}
	if !limiter.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	limiter.limiters.Range(func(key string, userLimiter *rate.Limiter) bool {
		if userLimiter.TokensAt(now) >= float64(limiter.burst) {
			limiter.limiters.Delete(key)
		}
		return true
	})
}

func (limiter *voteLimiter) tracked() int {
	return limiter.limiters.Size()
}
