package clock

import (
	"log/slog"
	"math"
	"sync/atomic"
)

// LamportTime is a logical timestamp.
type LamportTime uint64

// MaxObservable is the largest received timestamp Observe merges. Anything
// above it is ignored so a corrupt peer cannot push the clock to wrap.
const MaxObservable LamportTime = math.MaxUint64 >> 1

// LamportClock is a Lamport logical clock safe for concurrent use.
// Every value it hands out is strictly greater than the previous one.
type LamportClock struct {
	time atomic.Uint64
	logg *slog.Logger
}

// NewLamportClock creates a clock starting at 0. logg may be nil.
func NewLamportClock(logg *slog.Logger) *LamportClock {
	return &LamportClock{logg: logg}
}

// Time returns the current value without advancing the clock.
func (c *LamportClock) Time() LamportTime {
	return LamportTime(c.time.Load())
}

// Tick advances the clock for a local event and returns the new value.
func (c *LamportClock) Tick(reason string) LamportTime {
	t := LamportTime(c.time.Add(1))

	if c.logg != nil {
		c.logg.Debug("Clock ticked", "reason", reason, "timestamp", t)
	}

	return t
}

// Observe merges a timestamp received from another peer and returns the
// new value, max(current, received) + 1.
//
// Timestamps above MaxObservable count as a local event.
func (c *LamportClock) Observe(received LamportTime) LamportTime {
	if received > MaxObservable {
		if c.logg != nil {
			c.logg.Warn("Ignoring out of range timestamp", "received", received)
		}

		received = 0
	}

	for {
		current := c.time.Load()
		next := max(current, uint64(received)) + 1

		if c.time.CompareAndSwap(current, next) {
			if c.logg != nil {
				c.logg.Debug("Clock observed", "received", received, "timestamp", next)
			}

			return LamportTime(next)
		}
	}
}
