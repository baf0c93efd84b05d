package transport

import "time"

// Default reconnect backoff bounds.
const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
)

// Backoff returns how long to wait before connection attempt number
// attempt, where attempt counts the consecutive attempts that failed to
// reach ACTIVE. The first attempt and the first replacement of a healthy
// connection go out at once; after that the delay doubles up to max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 2; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}
