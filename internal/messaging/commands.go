package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fisaks/obdgw/internal/logging"
)

// IncomingCommand is received on <prefix>/cmd.
type IncomingCommand struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Value  any    `json:"value,omitempty"` // accept number or string
}

// CommandEvent is published on <prefix>/event after a command ran.
type CommandEvent struct {
	ID        string    `json:"id,omitempty"`
	Action    string    `json:"action"`
	Status    string    `json:"status"` // "ok" | "error"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CommandSubscriber interface {
	OnCommand(ctx context.Context, command IncomingCommand) error
}

// StartCommandSubscriber routes <prefix>/cmd messages to subscriber.
func StartCommandSubscriber(ctx context.Context, broker Broker, subscriber CommandSubscriber) (Subscription, error) {
	topic := broker.Topic("cmd")
	return broker.Subscribe(ctx, topic, AtLeastOnce, func(ctx context.Context, topic string, payload []byte) {
		logging.Debug("Received cmd message", "topic", topic)
		var cmd IncomingCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			logging.Warn("cmd json", "error", err)
			return
		}
		if err := subscriber.OnCommand(ctx, cmd); err != nil {
			logging.Warn("cmd handling", "action", cmd.Action, "error", err)
			PublishEvent(ctx, broker, cmd, err, "")
			return
		}
	})
}

// PublishEvent reports the outcome of cmd.
func PublishEvent(ctx context.Context, broker Broker, cmd IncomingCommand, err error, detail string) {
	ev := CommandEvent{ID: cmd.ID, Action: cmd.Action, Status: "ok", Detail: detail, Timestamp: time.Now()}
	if err != nil {
		ev.Status = "error"
		ev.Detail = err.Error()
	}
	if pubErr := broker.PublishJSON(ctx, broker.Topic("event"), AtLeastOnce, false, ev); pubErr != nil {
		logging.Warn("event publish failed", "action", cmd.Action, "error", pubErr)
	}
}
