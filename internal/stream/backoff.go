package stream

import "time"

// backoff tracks the delay before the next reconnect. It starts at 500ms,
// doubles on each consecutive failure and is capped at max.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func newBackoff(max time.Duration) backoff {
	return backoff{next: baseRetry, max: max}
}

// fail returns the delay to wait after a failure and escalates the next one.
func (b *backoff) fail() time.Duration {
	d := b.clamp(b.next)
	b.next = b.clamp(d * 2)
	return d
}

// reset drops back to the floor after a successful open.
func (b *backoff) reset() {
	b.next = baseRetry
}

// advise applies a server retry: hint. It only ever raises the next delay.
func (b *backoff) advise(retry time.Duration) {
	if retry < minRetry {
		retry = minRetry
	}
	retry = b.clamp(retry)
	if retry > b.next {
		b.next = retry
	}
}

func (b *backoff) clamp(d time.Duration) time.Duration {
	if d > b.max {
		return b.max
	}
	return d
}
