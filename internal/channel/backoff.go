package channel

import "time"

// backoff produces the reconnect delay sequence: initial, doubling up to
// ceiling, for at most maxAttempts attempts. Reset after a successful open.
type backoff struct {
	initial     time.Duration
	ceiling     time.Duration
	maxAttempts int

	attempt int
}

func newBackoff(initial, ceiling time.Duration, maxAttempts int) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if ceiling < initial {
		ceiling = initial
	}
	return &backoff{initial: initial, ceiling: ceiling, maxAttempts: maxAttempts}
}

// next returns the delay before the upcoming attempt, or false when the
// attempt budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	if b.maxAttempts > 0 && b.attempt >= b.maxAttempts {
		return 0, false
	}
	d := b.initial << b.attempt
	if d > b.ceiling || d <= 0 {
		d = b.ceiling
	}
	b.attempt++
	return d, true
}

func (b *backoff) reset() { b.attempt = 0 }
