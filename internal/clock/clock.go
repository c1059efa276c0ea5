// Package clock is the time seam: production code takes a Clock so tests
// can drive timers deterministically.
package clock

import "time"

// Clock supplies the time operations the cache server depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real delegates to the time package. All timestamps are UTC.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) Sleep(d time.Duration) { time.Sleep(d) }
