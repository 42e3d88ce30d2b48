// ABOUTME: Tests for the per-IP rate limiter.
package api

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPRateLimiter_BurstThenDeny(t *testing.T) {
	t.Parallel()
	rl := newIPRateLimiter(rate.Limit(1.0/60), 2, time.Minute)

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst requests should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be denied")
	}

	// Limits are per IP.
	if !rl.Allow("10.0.0.2") {
		t.Error("a different IP has its own bucket")
	}
}
