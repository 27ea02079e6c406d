// Package obdgw holds the small contracts shared by the gateway tasks.
package obdgw

import (
	"context"
	"sync/atomic"
)

// Report is one emitted datum.
type Report struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Unit       string `json:"unit,omitempty"`
	Diagnostic bool   `json:"diagnostic,omitempty"`
	Timestamp  int64  `json:"ts"` // ms since boot
}

// Sink receives reports. A nil error means the report was delivered.
type Sink interface {
	Emit(ctx context.Context, r Report) error
}

// Gate suppresses the periodic tasks while an operator session is active.
// Holders nest; the gate is active while at least one hold is outstanding.
type Gate struct {
	holds atomic.Int32
}

// Hold activates the gate until the returned release is called. Release is
// safe to call more than once.
func (g *Gate) Hold() (release func()) {
	g.holds.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.holds.Add(-1)
		}
	}
}

func (g *Gate) Active() bool {
	return g != nil && g.holds.Load() > 0
}
