package mutation

import "time"

// Clock supplies wall-clock time for scheduling.
//
// Ordering never depends on the clock: replay order is the log sequence
// number. The clock only decides when a rescheduled record becomes due.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time, truncated to milliseconds so values
// survive a round trip through the log unchanged.
type SystemClock struct{}

// Now returns the current time in UTC at millisecond precision.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
