package queue

import "time"

// Clock abstracts time.Now so admission cooldowns and FIFO tie-breaks can be
// driven by a fake clock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock used in production.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
