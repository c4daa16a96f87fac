package ratelimit

import (
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

// NewRequestLimiter paces page and detail requests across all workers so a
// burst of retries cannot hammer the host.
func NewRequestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(250*time.Millisecond), 5)
}

// PostDownloadSleep returns how long a worker pauses after finishing an
// item, jittered around the configured base so workers drift apart.
func PostDownloadSleep(baseSeconds int) time.Duration {
	base := time.Duration(baseSeconds) * time.Second
	jitter := time.Duration(rand.N(500)) * time.Millisecond //nolint:gosec

	return base + jitter
}
