package usage

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zen-systems/mlroute/pkg/policy"
	"github.com/zen-systems/mlroute/pkg/router"
)

// TierLimiter enforces each tier's request rate per application with a
// token bucket per app.
type TierLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tierBucket
	now      func() time.Time
}

type tierBucket struct {
	tier    string
	limiter *rate.Limiter
}

// NewTierLimiter creates an empty limiter.
func NewTierLimiter() *TierLimiter {
	return &TierLimiter{
		limiters: make(map[string]*tierBucket),
		now:      time.Now,
	}
}

// Admit takes one request from the app's bucket. The returned RateLimit
// counts the admitted request in Remaining; a rejected request reports zero
// remaining and the time the next token arrives.
func (l *TierLimiter) Admit(appID string, tier policy.Tier) (router.RateLimit, bool) {
	now := l.now()
	if tier.RequestsPerMinute <= 0 {
		return router.RateLimit{Remaining: math.MaxInt32}, true
	}
	lim := l.limiter(appID, tier)
	perSecond := tier.RequestsPerMinute / 60

	before := lim.TokensAt(now)
	if !lim.AllowN(now, 1) {
		wait := time.Duration((1 - before) / perSecond * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		return router.RateLimit{Remaining: 0, Reset: now.Add(wait)}, false
	}

	after := before - 1
	refill := time.Duration((float64(lim.Burst()) - after) / perSecond * float64(time.Second))
	return router.RateLimit{Remaining: int(math.Floor(before)), Reset: now.Add(refill)}, true
}

func (l *TierLimiter) limiter(appID string, tier policy.Tier) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	burst := tier.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(tier.RequestsPerMinute / 60)

	b, ok := l.limiters[appID]
	if !ok {
		b = &tierBucket{tier: tier.Name, limiter: rate.NewLimiter(limit, burst)}
		l.limiters[appID] = b
		return b.limiter
	}
	if b.tier != tier.Name || b.limiter.Limit() != limit || b.limiter.Burst() != burst {
		now := l.now()
		b.tier = tier.Name
		b.limiter.SetLimitAt(now, limit)
		b.limiter.SetBurstAt(now, burst)
	}
	return b.limiter
}
