package messaging

import (
	"context"

	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/google/uuid"
)

// ReportMessage is the payload published for every report.
type ReportMessage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Value      string `json:"value"`
	Unit       string `json:"unit,omitempty"`
	Diagnostic bool   `json:"diagnostic,omitempty"`
	Timestamp  int64  `json:"ts"`
}

// Sink publishes reports retained under <prefix>/state/<name>, or
// <prefix>/diagnostic/<name> for gateway diagnostics.
type Sink struct {
	broker    Broker
	published PublishedStore
}

func NewSink(broker Broker) *Sink {
	s := &Sink{broker: broker, published: NewPublishedStore()}
	broker.AddOnConnectPublisher("restore", s.restore)
	return s
}

func (s *Sink) TopicFor(r obdgw.Report) string {
	if r.Diagnostic {
		return s.broker.Topic("diagnostic", r.Name)
	}
	return s.broker.Topic("state", r.Name)
}

func (s *Sink) Emit(ctx context.Context, r obdgw.Report) error {
	if !s.broker.IsConnected() {
		return ErrNotConnected
	}
	topic := s.TopicFor(r)
	if err := s.broker.PublishJSON(ctx, topic, FireAndForget, true, message(r)); err != nil {
		return err
	}
	s.published.Update(topic, r)
	return nil
}

func message(r obdgw.Report) ReportMessage {
	return ReportMessage{
		ID:         uuid.NewString(),
		Name:       r.Name,
		Value:      r.Value,
		Unit:       r.Unit,
		Diagnostic: r.Diagnostic,
		Timestamp:  r.Timestamp,
	}
}

// ClearPublishedState forgets what was published, e.g. on resync.
func (s *Sink) ClearPublishedState() {
	s.published.Clear()
}

// restore republishes the last known report of every topic after a broker
// reconnect.
func (s *Sink) restore() ([]PublishRequest, error) {
	last := s.published.All()
	reqs := make([]PublishRequest, 0, len(last))
	for topic, r := range last {
		reqs = append(reqs, PublishRequest{Topic: topic, Qos: FireAndForget, Retain: true, Payload: message(r)})
	}
	if len(reqs) > 0 {
		logging.Debug("Restoring published reports", "count", len(reqs))
	}
	return reqs, nil
}
