package scriptrt

import "time"

// Quota describes one token bucket: Capacity tokens, one token regained
// every Refill. A zero Refill never refills.
type Quota struct {
	Capacity int
	Refill   time.Duration
}

// FamilyLimits configures the buckets of one capability family. Every
// call consumes from the family's global bucket unless the action is in
// GlobalIgnore; actions listed in PerBucket additionally consume from
// their own bucket.
type FamilyLimits struct {
	Global       Quota
	PerBucket    map[string]Quota
	GlobalIgnore map[string]bool
}

// DefaultLimits returns the per-family quota layout. Discord carries
// per-action overrides for destructive calls; the rest get a single
// family-wide bucket.
func DefaultLimits() map[string]FamilyLimits {
	return map[string]FamilyLimits{
		"kv": {Global: Quota{Capacity: 500, Refill: 100 * time.Millisecond}},
		"discord": {
			Global: Quota{Capacity: 20, Refill: 250 * time.Millisecond},
			PerBucket: map[string]Quota{
				"ban":            {Capacity: 5, Refill: 6 * time.Second},
				"kick":           {Capacity: 5, Refill: 6 * time.Second},
				"create_message": {Capacity: 30, Refill: 333 * time.Millisecond},
			},
			GlobalIgnore: map[string]bool{
				"create_interaction_response": true,
			},
		},
		"lockdowns":      {Global: Quota{Capacity: 1, Refill: 60 * time.Second}},
		"userinfo":       {Global: Quota{Capacity: 10, Refill: time.Second}},
		"page":           {Global: Quota{Capacity: 5, Refill: time.Second}},
		"object_storage": {Global: Quota{Capacity: 75, Refill: 13 * time.Millisecond}},
		"http":           {Global: Quota{Capacity: 3, Refill: 2 * time.Second}},
		"data_stores":    {Global: Quota{Capacity: 10, Refill: time.Second}},
	}
}

type tokenBucket struct {
	quota    Quota
	tokens   int
	lastFill time.Time
}

func newTokenBucket(q Quota, now time.Time) *tokenBucket {
	return &tokenBucket{quota: q, tokens: q.Capacity, lastFill: now}
}

func (b *tokenBucket) take(now time.Time) bool {
	if b.quota.Refill > 0 && b.tokens < b.quota.Capacity {
		regained := int(now.Sub(b.lastFill) / b.quota.Refill)
		if regained > 0 {
			b.tokens = min(b.tokens+regained, b.quota.Capacity)
			b.lastFill = b.lastFill.Add(time.Duration(regained) * b.quota.Refill)
		}
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

type familyState struct {
	limits  FamilyLimits
	global  *tokenBucket
	buckets map[string]*tokenBucket
}

// Ratelimiter guards named buckets with token buckets. One instance
// belongs to one tenant VM and is only touched from the owning worker
// goroutine, so it carries no lock. Failure is immediate: there is no
// waiting, because a blocking limiter on a cooperative executor would let
// one script starve the rest.
type Ratelimiter struct {
	now      func() time.Time
	families map[string]*familyState
}

// NewRatelimiter builds a per-VM limiter from the given family layout.
func NewRatelimiter(limits map[string]FamilyLimits) *Ratelimiter {
	return newRatelimiterAt(limits, time.Now)
}

func newRatelimiterAt(limits map[string]FamilyLimits, now func() time.Time) *Ratelimiter {
	r := &Ratelimiter{now: now, families: make(map[string]*familyState, len(limits))}
	t := now()
	for name, fl := range limits {
		fs := &familyState{
			limits:  fl,
			global:  newTokenBucket(fl.Global, t),
			buckets: make(map[string]*tokenBucket, len(fl.PerBucket)),
		}
		for action, q := range fl.PerBucket {
			fs.buckets[action] = newTokenBucket(q, t)
		}
		r.families[name] = fs
	}
	return r
}

// Check consumes one token for the given action in the given family, or
// returns a rate-limited error naming the exhausted bucket. Unknown
// families are unlimited; the family set is closed at construction.
func (r *Ratelimiter) Check(family, action string) error {
	fs, ok := r.families[family]
	if !ok {
		return nil
	}
	now := r.now()
	if b, ok := fs.buckets[action]; ok {
		if !b.take(now) {
			return errRateLimited(family + ":" + action)
		}
	}
	if !fs.limits.GlobalIgnore[action] {
		if !fs.global.take(now) {
			return errRateLimited(family)
		}
	}
	return nil
}
