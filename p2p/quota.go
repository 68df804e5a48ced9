package p2p

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// maxRequestQuota is the per-peer token bucket capacity; it refills
	// fully over fullReplenishTime, nominally targeting "8 ops/sec" per
	// the design's quota & scoring section.
	maxRequestQuota   = 40
	fullReplenishTime = 5 * time.Second
)

// Quota is a token bucket over golang.org/x/time/rate, the same rate
// limiter op-node/p2p/sync.go uses for its per-peer and global Req/Resp
// rate limits. TryConsume is the non-blocking fast path; Await is used by
// a caller willing to wait for the next refill.
type Quota struct {
	limiter *rate.Limiter
}

// NewQuota builds a bucket of the given capacity that refills fully over
// replenish.
func NewQuota(capacity int, replenish time.Duration) *Quota {
	r := rate.Limit(float64(capacity) / replenish.Seconds())
	return &Quota{limiter: rate.NewLimiter(r, capacity)}
}

// TryConsume attempts to take n tokens without blocking.
func (q *Quota) TryConsume(n int) bool {
	return q.limiter.AllowN(time.Now(), n)
}

// Await blocks until n tokens are available or ctx is done.
func (q *Quota) Await(ctx context.Context, n int) error {
	return q.limiter.WaitN(ctx, n)
}

// throttleCounters tracks, per short protocol id, how many times a caller
// had to fall back to Await after a failed TryConsume. Bounded by an LRU
// the way op-node/p2p/sync.go bounds its peerRateLimits cache, so a node
// talking to many distinct protocols over its lifetime never grows this
// map unboundedly.
type throttleCounters struct {
	mu     sync.Mutex
	counts *lru.Cache[string, *int64]
}

func newThrottleCounters() *throttleCounters {
	c, _ := lru.New[string, *int64](64)
	return &throttleCounters{counts: c}
}

func (t *throttleCounters) incr(protocol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.counts.Get(protocol)
	if !ok {
		n := int64(0)
		v = &n
		t.counts.Add(protocol, v)
	}
	*v++
}

func (t *throttleCounters) get(protocol string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.counts.Get(protocol)
	if !ok {
		return 0
	}
	return *v
}

// consumeOrAwait is the Quota usage pattern every request path (inbound and
// outbound) goes through: try the non-blocking fast path first, and only
// await + record a throttle event on the slow path. protocol is the short
// id used to tag the throttle counter and, if m is non-nil, the metric.
func consumeOrAwait(ctx context.Context, q *Quota, counters *throttleCounters, m *Metrics, protocol string, n int) error {
	if q.TryConsume(n) {
		return nil
	}
	counters.incr(protocol)
	m.IncQuotaThrottle(protocol)
	return q.Await(ctx, n)
}
