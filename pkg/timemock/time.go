// timemock is a thin wrapper over stdlib/time package that overloads a few
// functions to allow time manipulation in tests.
package timemock

import (
	"sync"
	"time"
)

var (
	Now   = time.Now
	After = time.After

	frozenMu sync.Mutex
	frozenAt time.Time
)

// Freeze stops the clock at the given time. Now returns at until Advance or
// the returned restore function is called.
// After fires only once the frozen clock has been advanced past its deadline.
func Freeze(at time.Time) func() {
	frozenMu.Lock()
	frozenAt = at
	frozenMu.Unlock()

	Now = func() time.Time {
		frozenMu.Lock()
		defer frozenMu.Unlock()
		return frozenAt
	}
	After = func(d time.Duration) <-chan time.Time {
		end := Now().Add(d)
		ch := make(chan time.Time, 1)
		go func() {
			for {
				if n := Now(); !n.Before(end) {
					ch <- n
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		return ch
	}

	return func() {
		Now = time.Now
		After = time.After
	}
}

// Advance moves a frozen clock forward by d and returns the new time.
func Advance(d time.Duration) time.Time {
	frozenMu.Lock()
	defer frozenMu.Unlock()
	frozenAt = frozenAt.Add(d)
	return frozenAt
}
