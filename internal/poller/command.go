package poller

import (
	"strings"

	"github.com/fisaks/obdgw/internal/elm327"
	"github.com/fisaks/obdgw/internal/logging"
)

const (
	ActionRediscover = "rediscover"
	ActionRaw        = "raw"
)

// Command is an operator request run by the poll task between two PID
// requests, on the same non-blocking cycle as polling.
type Command struct {
	ID     string
	Action string
	Text   string // adapter command for ActionRaw, e.g. "ATI" or "0902"

	// Reply receives the outcome of ActionRaw. It runs on the poll goroutine.
	Reply func(resp elm327.Response, err error)
}

// PushCommand queues c. It reports false when the buffer is full.
func (p *Poller) PushCommand(c Command) bool {
	select {
	case p.cmdCh <- c:
		return true
	default:
		return false
	}
}

// takeCommand picks up a queued command when no request is in flight.
func (p *Poller) takeCommand() {
	if p.command != nil {
		return
	}
	select {
	case c := <-p.cmdCh:
		switch strings.ToLower(c.Action) {
		case ActionRediscover:
			logging.Info("Rediscovering PID support", "id", c.ID)
			p.beginDiscovery()
		case ActionRaw:
			c.Text = strings.ToUpper(strings.TrimSpace(c.Text))
			if c.Text == "" {
				p.reply(c, elm327.Response{Status: elm327.StatusGeneralError}, errEmptyCommand)
				return
			}
			p.command = &c
		default:
			logging.Warn("Unknown poller command", "id", c.ID, "action", c.Action)
		}
	default:
	}
}

// stepCommand advances the raw command in flight. It reports whether the
// command consumed this tick.
func (p *Poller) stepCommand(client *elm327.Client) bool {
	c := p.command
	if c == nil {
		return false
	}
	resp, err := client.Poll(c.Text)
	if err != nil {
		p.command = nil
		p.reply(*c, resp, err)
		p.link.MarkLost(err)
		return true
	}
	if resp.Status == elm327.StatusGettingMsg {
		return true
	}
	p.command = nil
	p.reply(*c, resp, nil)
	return true
}

func (p *Poller) reply(c Command, resp elm327.Response, err error) {
	logging.Debug("Poller command done", "id", c.ID, "command", c.Text, "status", resp.Status.String(), "error", err)
	if c.Reply != nil {
		c.Reply(resp, err)
	}
}
