package manager

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the delay before the next retransmission attempt
// for a stream, given the number of attempts already made for the current
// pending head. It must never signal "give up": the only ways an update
// stops being retried are acknowledgement, a terminal stream error, or
// framework cleanup.
type RetryPolicy func(attempt int) time.Duration

// defaultMaxBackoff caps the retransmit interval; the reference leaves
// the interval policy open but forbids ever dropping an update for
// exceeding a retry count, so this bounds delay, not attempts.
const defaultMaxBackoff = 5 * time.Minute

// ExponentialBackoff returns exponential backoff with a max cap and
// random jitter, adapted from the reference's own backoff helper used
// throughout its retry paths.
// Sequence: 1s, 2s, 4s, 8s, 16s, ... capped at maxBackoff, plus jitter in
// [0, 1min], itself capped at maxBackoff.
func ExponentialBackoff(maxBackoff time.Duration) RetryPolicy {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return 0
		}
		// attempt grows without bound (reset only on ack), so the shift
		// exponent must be clamped before computing d: an unclamped shift
		// overflows time.Duration at attempt==64 and wraps negative.
		shift := attempt - 1
		const maxShift = 30 // 1<<30 seconds already dwarfs any sane maxBackoff
		if shift > maxShift {
			shift = maxShift
		}
		d := time.Duration(1<<uint(shift)) * time.Second
		if d > maxBackoff || d <= 0 {
			d = maxBackoff
		}
		jitter := time.Duration(rand.Float64() * float64(time.Minute))
		result := d + jitter
		if result > maxBackoff {
			result = maxBackoff
		}
		return result
	}
}

// FixedInterval returns a constant retransmit delay, matching the
// reference implementation's own simpler policy.
func FixedInterval(d time.Duration) RetryPolicy {
	return func(int) time.Duration { return d }
}
