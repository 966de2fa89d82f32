package relay

import "time"

const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// BackoffDelay is the reconnect delay after the given number of consecutive
// failures: base doubled per failure, capped at max.
func BackoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
