package client

import "time"

// backoffDelay returns the exponential delay before reconnect attempt n
// (zero-based). The shift saturates at cap so long outages cannot overflow
// into negative durations.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt >= 63 {
		return cap
	}
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
