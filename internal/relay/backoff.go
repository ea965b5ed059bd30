package relay

import "time"

// Backoff computes reconnect delays: doubled on every failure, capped at Max.
// The caller holds the current delay; Backoff itself keeps no state, so one
// value is safely shared by any number of run loops.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns the delay to use after the current one failed.
func (b Backoff) Next(current time.Duration) time.Duration {
	next := current * 2
	if next > b.Max {
		next = b.Max
	}
	return next
}

// Reset returns the delay to start from after a successful connect.
func (b Backoff) Reset() time.Duration {
	return b.Initial
}
