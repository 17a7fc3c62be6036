// Package fence is the last stage before a value reaches the actuator.
package fence

import (
	"math"
	"time"

	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

// Config is in raw output units.
type Config struct {
	Min float64
	Max float64
	// MaxStep bounds the change against the previous output, 0 disables.
	MaxStep float64
	// Epsilon suppresses writes for changes of at most this size.
	Epsilon float64
	// Keepalive forces a write of an unchanged value once the last write is
	// older than this, 0 disables.
	Keepalive time.Duration
}

// Apply returns the value to use and whether it has to be written.
// A non-finite desired value is rejected and nothing is written: the previous
// value is returned if there is one, desired itself otherwise.
func (c Config) Apply(desired, prev float64, hasPrev bool) (float64, bool) {
	if math.IsNaN(desired) || math.IsInf(desired, 0) {
		if hasPrev {
			return prev, false
		}
		return desired, false
	}

	v := math.Max(c.Min, math.Min(c.Max, desired))
	if !hasPrev {
		return v, true
	}
	if c.MaxStep > 0 {
		v = math.Max(prev-c.MaxStep, math.Min(prev+c.MaxStep, v))
	}
	if math.Abs(v-prev) <= c.Epsilon {
		return prev, false
	}
	return v, true
}

// KeepaliveDue tells whether an unchanged value has to be rewritten because
// the last successful write happened at lastWrite.
func (c Config) KeepaliveDue(lastWrite time.Time) bool {
	if c.Keepalive <= 0 {
		return false
	}
	return lastWrite.IsZero() || timemock.Now().Sub(lastWrite) >= c.Keepalive
}
