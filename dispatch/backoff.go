package dispatch

import "time"

// Backoff yields the delay before each retry: the base doubling per attempt
// and capped at Max. It holds no clock, so retry schedules can be checked
// without sleeping.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay for the upcoming retry and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	} else {
		b.attempt++
	}
	return d
}

// Reset rewinds the sequence to the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}
