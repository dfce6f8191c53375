package model

import "time"

// TTLClock is the logical timestamp used for query-expiry arithmetic. It
// shares units with wall-clock milliseconds by convention, but the two are
// not interchangeable: the wrapped number is only reachable through
// TTLClockFromNumber and AsNumber, so a TTLClock cannot silently flow into
// wall-clock math elsewhere in the system.
type TTLClock struct {
	ms int64
}

// TTLClockFromNumber converts a raw logical-millisecond count to a TTLClock.
func TTLClockFromNumber(n int64) TTLClock {
	return TTLClock{ms: n}
}

// TTLClockFromTime converts a wall-clock time to the equivalent TTLClock
// value. Used at the boundary where the connection layer stamps activity.
func TTLClockFromTime(t time.Time) TTLClock {
	return TTLClock{ms: t.UnixMilli()}
}

// AsNumber returns the wrapped logical-millisecond count.
func (c TTLClock) AsNumber() int64 {
	return c.ms
}

// Before reports whether c is strictly earlier than other.
func (c TTLClock) Before(other TTLClock) bool {
	return c.ms < other.ms
}
