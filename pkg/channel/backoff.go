package channel

import "time"

// Backoff grows the reconnect delay by Factor after every failed attempt,
// capped at Ceiling, and starts over from Floor after a successful open.
type Backoff struct {
	Floor   time.Duration
	Factor  float64
	Ceiling time.Duration

	current time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Floor:   1 * time.Second,
		Factor:  1.15,
		Ceiling: 10 * time.Second,
	}
}

func (b *Backoff) normalize() {
	if b.Floor <= 0 {
		b.Floor = time.Second
	}
	if b.Factor < 1 {
		b.Factor = 1
	}
	if b.Ceiling < b.Floor {
		b.Ceiling = b.Floor
	}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.normalize()
	if b.current == 0 {
		b.current = b.Floor
	}
	d := b.current
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Ceiling {
		next = b.Ceiling
	}
	b.current = next
	return d
}

func (b *Backoff) Reset() {
	b.current = 0
}
