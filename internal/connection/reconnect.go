package connection

import "time"

// backoff tracks the reconnect delay state machine from spec §4.3.4:
// d doubles on every failure, capped at max, and resets to initial only
// after a successful registration handshake.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the delay to sleep before the next connect attempt and
// advances the internal state for the attempt after that.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current = min(b.current*2, b.max)
	return d
}

// reset restores the delay to its initial value, called after a
// successful registration handshake.
func (b *backoff) reset() {
	b.current = b.initial
}
