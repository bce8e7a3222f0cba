// Package clock abstracts the current time so windowed components can be
// driven deterministically in tests.
package clock

import "time"

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// System implements Clock using the system time.
type System struct{}

// Now returns the current system time.
func (System) Now() time.Time {
	return time.Now()
}

// OrSystem returns c, or the system clock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
