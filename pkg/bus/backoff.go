package bus

import "time"

// RedeliveryBackoff computes the exponential backoff delay before the
// attempt-th redelivery of a message (attempt is 1-indexed: the first retry
// is attempt 1). Delays double from a 1s base and cap at 2 minutes, matching
// the "exponential backoff up to a retry cap" contract.
func RedeliveryBackoff(attempt int) time.Duration {
	const (
		base     = time.Second
		maxDelay = 2 * time.Minute
	)
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
