package poller

import (
	"context"

	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/elm327"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// Link is the view of the connection controller the poll task needs.
type Link interface {
	Client() (*elm327.Client, bool)
	Session() (connection.Session, bool)
	Options() connection.Options
	MarkLost(err error)
}

// Step is one unit of periodic work. It must return within one tick.
type Step func(ctx context.Context)
