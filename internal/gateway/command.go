package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fisaks/obdgw/internal/elm327"
	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/messaging"
	"github.com/fisaks/obdgw/internal/poller"
	"github.com/fisaks/obdgw/internal/util"
)

var errReconnectRequested = errors.New("reconnect requested")

// OnCommand handles <prefix>/cmd messages. Long-running actions answer on
// <prefix>/event when they finish.
func (g *Gateway) OnCommand(ctx context.Context, cmd messaging.IncomingCommand) error {
	logging.Debug("Received command", "id", cmd.ID, "action", cmd.Action, "value", cmd.Value)
	switch strings.ToLower(cmd.Action) {
	case "resync":
		logging.Info("Received resync command")
		g.registry.ResetReported()
		if s, ok := g.sink.(*messaging.Sink); ok {
			s.ClearPublishedState()
		}
		g.event(ctx, cmd, nil, "")
	case "scan":
		window := g.cfg.ScanWindow()
		if ms := util.ToInt(cmd.Value); ms > 0 {
			window = time.Duration(ms) * time.Millisecond
		}
		go func() {
			peers, err := g.scanWindow(ctx, window)
			g.event(ctx, cmd, err, fmt.Sprintf("%d devices", len(peers)))
		}()
	case "reconnect":
		g.ctrl.MarkLost(errReconnectRequested)
		g.event(ctx, cmd, nil, "")
	case "sleep":
		if !g.ctrl.RequestSleep("remote request") {
			return errors.New("sleep already requested")
		}
	case poller.ActionRediscover:
		if !g.poller.PushCommand(poller.Command{ID: cmd.ID, Action: poller.ActionRediscover}) {
			return errors.New("poller command buffer full")
		}
	case poller.ActionRaw:
		text, _ := cmd.Value.(string)
		ok := g.poller.PushCommand(poller.Command{ID: cmd.ID, Action: poller.ActionRaw, Text: text,
			Reply: func(resp elm327.Response, err error) {
				if err == nil && resp.Status != elm327.StatusSuccess {
					err = &elm327.StatusError{Command: resp.Command, Status: resp.Status, Raw: resp.Raw}
				}
				g.event(ctx, cmd, err, resp.Raw)
			}})
		if !ok {
			return errors.New("poller command buffer full")
		}
	default:
		return fmt.Errorf("unknown action: %s", cmd.Action)
	}
	return nil
}

func (g *Gateway) event(ctx context.Context, cmd messaging.IncomingCommand, err error, detail string) {
	if g.broker == nil {
		return
	}
	messaging.PublishEvent(ctx, g.broker, cmd, err, detail)
}
