package bridge

import "time"

// backoff doubles the delay on every failure up to max.
type backoff struct {
	initial time.Duration
	max     time.Duration
	attempt int
}

func (b *backoff) Next() time.Duration {
	b.attempt++
	delay := b.initial
	for i := 1; i < b.attempt && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	return delay
}

func (b *backoff) Reset() {
	b.attempt = 0
}
