package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderLimiter throttles inbound messages per sender.
type SenderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*senderEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// maxTrackedSenders triggers a sweep of idle senders.
const maxTrackedSenders = 10000

// NewSenderLimiter allows perSecond messages per sender with the given
// burst. A non-positive perSecond returns nil, which allows everything.
func NewSenderLimiter(perSecond float64, burst int) *SenderLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &SenderLimiter{
		limiters: make(map[string]*senderEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether sender may send one more message now.
func (sl *SenderLimiter) Allow(sender string) bool {
	if sl == nil {
		return true
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	e, ok := sl.limiters[sender]
	if !ok {
		if len(sl.limiters) >= maxTrackedSenders {
			sl.sweepLocked(now)
		}
		e = &senderEntry{limiter: rate.NewLimiter(sl.rate, sl.burst)}
		sl.limiters[sender] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (sl *SenderLimiter) sweepLocked(now time.Time) {
	for k, e := range sl.limiters {
		if now.Sub(e.lastSeen) > sl.idle {
			delete(sl.limiters, k)
		}
	}
}
