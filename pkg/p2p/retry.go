package p2p

import "time"

const (
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 10 * time.Second
)

// calculateDelay returns the exponential backoff before retry number
// attempt (1-based), capped at maxDelay.
func calculateDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return maxDelay
	}
	delay := initial * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
