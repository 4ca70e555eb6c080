package reconcile

import "time"

const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffCap  = time.Hour
)

// Backoff returns the delay before the next verification attempt:
// min(2^retryCount * base, cap). The shift is clamped so large retry counts
// cannot overflow past the cap.
func Backoff(retryCount int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return cap
	}
	delay := base << uint(retryCount)
	if delay > cap || delay <= 0 {
		return cap
	}
	return delay
}
