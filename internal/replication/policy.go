package replication

import "golang.org/x/time/rate"

// RateLimited is a SyncPolicy that sends at most perSecond snapshots. Embed
// it in a behavior to throttle its field updates.
type RateLimited struct {
	limiter *rate.Limiter
}

func NewRateLimited(perSecond float64) *RateLimited {
	return &RateLimited{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (r *RateLimited) NeedsSync() bool {
	return r.limiter.Allow()
}
