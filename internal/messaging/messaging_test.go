package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/fisaks/obdgw/internal/obd"
	"github.com/fisaks/obdgw/internal/obdgw"
)

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	prefix    string
	connected bool
	pubs      []published
	handlers  map[string]Handler
	onConnect map[string]OnConnectPublisher
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{prefix: "obdgw/car", connected: true, handlers: map[string]Handler{}, onConnect: map[string]OnConnectPublisher{}}
}

func (f *fakeBroker) Connect(context.Context) error { return nil }
func (f *fakeBroker) Close(context.Context) error   { return nil }
func (f *fakeBroker) IsConnected() bool             { return f.connected }
func (f *fakeBroker) Topic(parts ...string) string {
	return f.prefix + "/" + strings.Join(parts, "/")
}

func (f *fakeBroker) Publish(_ context.Context, topic string, _ QoS, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic: topic, retain: retain, payload: payload})
	return nil
}

func (f *fakeBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(ctx, topic, qos, retain, data)
}

func (f *fakeBroker) Subscribe(_ context.Context, topic string, _ QoS, h Handler) (Subscription, error) {
	f.handlers[topic] = h
	return nil, nil
}

func (f *fakeBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) {
	f.onConnect[id] = fn
}

func TestSinkTopics(t *testing.T) {
	b := newFakeBroker()
	s := NewSink(b)

	if err := s.Emit(context.Background(), obdgw.Report{Name: "rpm", Value: "2500", Unit: "rpm", Timestamp: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.Emit(context.Background(), obdgw.Report{Name: "uptime", Value: "3", Diagnostic: true}); err != nil {
		t.Fatal(err)
	}
	if len(b.pubs) != 2 || b.pubs[0].topic != "obdgw/car/state/rpm" || b.pubs[1].topic != "obdgw/car/diagnostic/uptime" {
		t.Fatalf("unexpected publishes %+v", b.pubs)
	}
	if !b.pubs[0].retain {
		t.Fatal("expected retained state")
	}
	var msg ReportMessage
	if err := json.Unmarshal(b.pubs[0].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ID == "" || msg.Value != "2500" || msg.Unit != "rpm" || msg.Timestamp != 10 {
		t.Fatalf("unexpected payload %+v", msg)
	}
}

func TestSinkNotConnected(t *testing.T) {
	b := newFakeBroker()
	b.connected = false
	s := NewSink(b)
	if err := s.Emit(context.Background(), obdgw.Report{Name: "rpm"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSinkRestoreAndClear(t *testing.T) {
	b := newFakeBroker()
	s := NewSink(b)
	s.Emit(context.Background(), obdgw.Report{Name: "rpm", Value: "800"})
	s.Emit(context.Background(), obdgw.Report{Name: "rpm", Value: "900"})

	reqs, err := b.onConnect["restore"]()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Topic != "obdgw/car/state/rpm" || reqs[0].Payload.(ReportMessage).Value != "900" {
		t.Fatalf("unexpected restore %+v", reqs)
	}
	s.ClearPublishedState()
	if reqs, _ := b.onConnect["restore"](); len(reqs) != 0 {
		t.Fatalf("expected nothing to restore after clear, got %+v", reqs)
	}
}

func TestCatalog(t *testing.T) {
	b := newFakeBroker()
	c := NewCatalog(obd.NewRegistry(), b)
	reqs, err := c.OnConnectPublish()
	if err != nil || len(reqs) != 1 {
		t.Fatalf("unexpected catalog %v %v", reqs, err)
	}
	if reqs[0].Topic != "obdgw/car/catalog" || !reqs[0].Retain {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
	msg := reqs[0].Payload.(CatalogMessage)
	if msg.Entries[0].Name != "rpm" || msg.Entries[0].Type != "int" {
		t.Fatalf("unexpected first entry %+v", msg.Entries[0])
	}
}

type recordingSubscriber struct {
	got []IncomingCommand
	err error
}

func (r *recordingSubscriber) OnCommand(_ context.Context, c IncomingCommand) error {
	r.got = append(r.got, c)
	return r.err
}

func TestCommandSubscriber(t *testing.T) {
	b := newFakeBroker()
	sub := &recordingSubscriber{}
	if _, err := StartCommandSubscriber(context.Background(), b, sub); err != nil {
		t.Fatal(err)
	}
	h := b.handlers["obdgw/car/cmd"]
	if h == nil {
		t.Fatal("expected subscription on cmd topic")
	}
	h(context.Background(), "obdgw/car/cmd", []byte(`{"id":"1","action":"resync"}`))
	h(context.Background(), "obdgw/car/cmd", []byte(`not json`))
	if len(sub.got) != 1 || sub.got[0].Action != "resync" {
		t.Fatalf("unexpected commands %+v", sub.got)
	}
	if len(b.pubs) != 0 {
		t.Fatal("expected no event for a successful command")
	}

	sub.err = errors.New("unknown action")
	h(context.Background(), "obdgw/car/cmd", []byte(`{"id":"2","action":"dance"}`))
	if len(b.pubs) != 1 || b.pubs[0].topic != "obdgw/car/event" {
		t.Fatalf("expected error event, got %+v", b.pubs)
	}
	var ev CommandEvent
	json.Unmarshal(b.pubs[0].payload, &ev)
	if ev.Status != "error" || ev.ID != "2" || ev.Detail != "unknown action" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestBrokerTopic(t *testing.T) {
	b := NewMsgBroker(BrokerConfig{TopicPrefix: "obdgw/car"})
	if got := b.Topic("state", "rpm"); got != "obdgw/car/state/rpm" {
		t.Fatalf("unexpected topic %q", got)
	}
	if b.IsConnected() {
		t.Fatal("expected unconnected broker")
	}
	var _ Broker = b
}
