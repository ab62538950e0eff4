package queue

import "time"

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Backoff is base doubled per attempt after the first, kept within
// [100ms, 30s].
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = minBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d < minBackoff {
		return minBackoff
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
