package conn

import "time"

// ReconnectDelay computes the backoff delay before reconnect attempt n
// (1-based): min(base * 2^(n-1), max). The schedule for the default
// base/cap is 2s, 4s, 8s, 16s, 30s, 30s, ...
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shifting past 62 bits overflows time.Duration long before the
	// cap applies, so clamp the exponent first.
	if attempt > 32 {
		return max
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}
