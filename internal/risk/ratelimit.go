package risk

import "time"

// RateLimiter counts orders per account slot in fixed windows.
type RateLimiter struct {
	window int64
	starts []int64
	counts []uint32
}

// NewRateLimiter allocates one window per slot.
func NewRateLimiter(slots int, window time.Duration) *RateLimiter {
	if slots <= 0 {
		slots = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		window: int64(window),
		starts: make([]int64, slots),
		counts: make([]uint32, slots),
	}
}

// Allow counts one order for slot and reports whether it stays within limit.
// A zero limit disables throttling.
func (r *RateLimiter) Allow(slot int, limit uint32, now int64) bool {
	if limit == 0 || slot < 0 || slot >= len(r.counts) {
		return true
	}
	if r.starts[slot] == 0 || now-r.starts[slot] >= r.window {
		r.starts[slot] = now
		r.counts[slot] = 0
	}
	r.counts[slot]++
	return r.counts[slot] <= limit
}
