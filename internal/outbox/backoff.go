package outbox

import "time"

// Backoff is a fixed delay table indexed by attempt number (1-based).
// The last entry repeats for any overflow.
type Backoff []time.Duration

// DefaultBackoff mirrors the retry schedule the UI documents: 1s, 5s, 15s.
var DefaultBackoff = Backoff{time.Second, 5 * time.Second, 15 * time.Second}

// Delay returns the wait before the given retry attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(b) {
		attempt = len(b)
	}
	return b[attempt-1]
}
