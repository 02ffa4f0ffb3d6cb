package clock

import "time"

// Clock is the source of "today" for date-of-birth checks and timestamps.
type Clock interface {
	Now() time.Time
}

type clock struct{}

// New returns a Clock backed by time.Now.
func New() Clock {
	return clock{}
}

func (clock) Now() time.Time {
	return time.Now()
}

// ManagedClock is a hand-driven clock for tests.
type ManagedClock struct {
	startTime time.Time
	offset    time.Duration
}

func NewManaged(startTime time.Time) *ManagedClock {
	return &ManagedClock{startTime: startTime}
}

func (c *ManagedClock) Now() time.Time {
	return c.startTime.Add(c.offset)
}

// WarpForward moves the clock forward and returns the new time.
func (c *ManagedClock) WarpForward(offset time.Duration) time.Time {
	c.offset += offset
	return c.startTime.Add(c.offset)
}
