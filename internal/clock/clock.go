// Package clock provides milliseconds since boot, the time base used for report
// throttling and uptime diagnostics.
package clock

import (
	"sync/atomic"
	"time"
)

type Clock interface {
	NowMs() int64
}

type bootClock struct {
	boot time.Time
}

// NewBoot returns a Clock whose zero is the moment it was created.
func NewBoot() Clock {
	return &bootClock{boot: time.Now()}
}

func (c *bootClock) NowMs() int64 {
	return time.Since(c.boot).Milliseconds()
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	ms atomic.Int64
}

func (m *Manual) NowMs() int64     { return m.ms.Load() }
func (m *Manual) Set(ms int64)     { m.ms.Store(ms) }
func (m *Manual) Advance(ms int64) { m.ms.Add(ms) }
