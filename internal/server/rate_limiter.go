package server

import (
	"time"

	"github.com/juju/ratelimit"
)

// rateLimiter throttles inbound messages on one connection: capacity messages
// may arrive at once and the bucket refills capacity tokens per interval.
type rateLimiter struct {
	bucket *ratelimit.Bucket
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	return &rateLimiter{bucket: ratelimit.NewBucketWithRate(rate, int64(capacity))}
}

func (rl *rateLimiter) allow() bool {
	return rl.bucket.TakeAvailable(1) == 1
}
