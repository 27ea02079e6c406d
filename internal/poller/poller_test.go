package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/elm327"
	"github.com/fisaks/obdgw/internal/obd"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/fisaks/obdgw/internal/state"
	"github.com/fisaks/obdgw/internal/transport/transporttest"
)

type harness struct {
	fake     *transporttest.Fake
	ctrl     *connection.Controller
	registry *state.Registry
	gate     *obdgw.Gate
	clock    *clock.Manual
	poller   *Poller
	failures []error
}

func newHarness(t *testing.T, checkSupport bool, names ...string) *harness {
	t.Helper()
	h := &harness{
		fake:     transporttest.New(transporttest.Handshake()),
		registry: obd.NewRegistry(),
		gate:     &obdgw.Gate{},
		clock:    &clock.Manual{},
	}
	h.ctrl = connection.NewController(connection.Config{Transport: h.fake, ConnectTimeout: time.Second})
	h.ctrl.Begin(connection.Options{Name: "OBDBLE", Protocol: "0", SpecifyNumResponses: true, CheckPIDSupport: checkSupport})
	if err := h.ctrl.Connect(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	var pids []obd.PID
	for _, n := range names {
		pid, ok := obd.Lookup(n)
		if !ok {
			t.Fatalf("unknown PID %s", n)
		}
		pids = append(pids, pid)
	}
	h.poller = New(Config{
		Registry: h.registry,
		Link:     h.ctrl,
		Gate:     h.gate,
		Clock:    h.clock,
		PIDs:     pids,
		OnError:  func(_ string, err error) { h.failures = append(h.failures, err) },
	})
	return h
}

func (h *harness) steps(n int) {
	for i := 0; i < n; i++ {
		h.poller.Step(context.Background())
	}
}

func (h *harness) entry(t *testing.T, name string) *state.Entry {
	t.Helper()
	e, ok := h.registry.GetStateByName(name)
	if !ok {
		t.Fatalf("missing entry %s", name)
	}
	return e
}

func lastWritten(f *transporttest.Fake) string {
	w := f.Written()
	return w[len(w)-1]
}

func TestPollDecodesAndMarksSupported(t *testing.T) {
	h := newHarness(t, false, "rpm", "batteryVoltage")
	h.fake.SetReply("010C1", "410C1AF8\r\r>")
	h.fake.SetReply("ATRV", "12.6V\r\r>")

	h.clock.Set(40)
	h.steps(1)
	if lastWritten(h.fake) != "010C1" {
		t.Fatalf("expected rpm request, got %s", lastWritten(h.fake))
	}
	if h.entry(t, "rpm").Supported() {
		t.Fatal("expected rpm unsupported before its first read")
	}
	h.clock.Set(90)
	h.steps(3)

	rpm := h.entry(t, "rpm")
	if rpm.Value() != state.IntValue(1726) || !rpm.Supported() {
		t.Fatalf("unexpected rpm %v", rpm.Snapshot())
	}
	if v := h.entry(t, "batteryVoltage").Value(); v != state.FloatValue(12.6) {
		t.Fatalf("unexpected battery voltage %v", v)
	}
	proto := h.entry(t, obd.EntryProtocol)
	if proto.Value() != state.IntValue(6) || !proto.Supported() {
		t.Fatalf("expected protocol 6 recorded, got %v", proto.Snapshot())
	}
	if h.poller.LastSuccess() != 90 {
		t.Fatalf("expected last success at 90, got %d", h.poller.LastSuccess())
	}
}

func TestPollErrorsLeaveValueStale(t *testing.T) {
	h := newHarness(t, false, "speed", "rpm")
	h.fake.SetDefaultReply("NO DATA\r\r>")
	h.fake.SetReply("010C1", "410C0FA0\r\r>")

	h.steps(4)
	if len(h.failures) != 1 {
		t.Fatalf("expected one failure, got %v", h.failures)
	}
	var se *elm327.StatusError
	if !errors.As(h.failures[0], &se) || se.Status != elm327.StatusNoData {
		t.Fatalf("expected NO DATA status error, got %v", h.failures[0])
	}
	if h.entry(t, "speed").Value() != state.IntValue(0) {
		t.Fatal("expected speed untouched")
	}
	if h.entry(t, obd.EntryPollErrors).Value() != state.IntValue(1) {
		t.Fatalf("expected pollErrors 1, got %v", h.entry(t, obd.EntryPollErrors).Value())
	}
	if h.entry(t, "rpm").Value() != state.IntValue(1000) {
		t.Fatalf("expected poller to move on to rpm, got %v", h.entry(t, "rpm").Value())
	}
}

func TestGateSuppressesPolling(t *testing.T) {
	h := newHarness(t, false, "rpm")
	before := len(h.fake.Written())
	release := h.gate.Hold()
	h.steps(3)
	if len(h.fake.Written()) != before {
		t.Fatalf("expected no adapter traffic while gated, got %v", h.fake.Written()[before:])
	}
	release()
	h.steps(1)
	if len(h.fake.Written()) != before+1 {
		t.Fatal("expected polling to resume after release")
	}
}

func TestDisabledEntriesSkipped(t *testing.T) {
	h := newHarness(t, false, "speed", "rpm")
	if err := h.registry.ParseJSON([]byte(`{"speed":{"enabled":false}}`)); err != nil {
		t.Fatal(err)
	}
	h.steps(1)
	if lastWritten(h.fake) != "010C1" {
		t.Fatalf("expected speed skipped, got %s", lastWritten(h.fake))
	}
}

func TestSupportDiscovery(t *testing.T) {
	h := newHarness(t, true, "ambientAirTemp", "rpm")
	h.fake.SetReply("01001", "4100BE1FA813\r\r>")
	h.fake.SetReply("01201", "412080000000\r\r>")

	h.steps(4)
	if n := h.entry(t, obd.EntrySupportedPIDs); n.Value() != state.IntValue(17) || !n.Supported() {
		t.Fatalf("unexpected supportedPids %v", n.Snapshot())
	}
	if h.entry(t, "ambientAirTemp").Supported() || !h.entry(t, "rpm").Supported() {
		t.Fatal("expected support flags applied from the bitmaps")
	}
	if !h.poller.Support().Has(0x21) {
		t.Fatal("expected second range recorded")
	}

	h.steps(1)
	if lastWritten(h.fake) != "010C1" {
		t.Fatalf("expected unsupported PID skipped, got %s", lastWritten(h.fake))
	}
}

func TestSupportUnknownPollsEverything(t *testing.T) {
	h := newHarness(t, true, "ambientAirTemp")
	h.fake.SetReply("01001", "NO DATA\r\r>")
	h.steps(3)
	if h.poller.Support() != nil {
		t.Fatal("expected support unknown")
	}
	if lastWritten(h.fake) != "01461" {
		t.Fatalf("expected ambient request, got %s", lastWritten(h.fake))
	}
}

func TestTransportErrorMarksLost(t *testing.T) {
	h := newHarness(t, false, "rpm")
	h.fake.SetWriteErr(errors.New("link down"))
	h.steps(1)
	if h.ctrl.Connected() {
		t.Fatal("expected session marked lost")
	}
	if h.ctrl.Failures() != 0 {
		t.Fatal("expected lost session not counted as connect failure")
	}
	h.steps(1) // no client: no-op
}

func TestRawCommand(t *testing.T) {
	h := newHarness(t, false, "rpm")
	h.fake.SetReply("ATI", "ELM327 v1.5\r\r>")

	var got elm327.Response
	done := false
	ok := h.poller.PushCommand(Command{ID: "c1", Action: ActionRaw, Text: " ati ", Reply: func(resp elm327.Response, err error) {
		if err != nil {
			t.Errorf("unexpected error %v", err)
		}
		got, done = resp, true
	}})
	if !ok {
		t.Fatal("expected command queued")
	}
	h.steps(2)
	if !done || got.Status != elm327.StatusSuccess || got.Raw != "ELM327 v1.5" {
		t.Fatalf("unexpected reply %+v done=%v", got, done)
	}
	h.steps(1)
	if lastWritten(h.fake) != "010C1" {
		t.Fatalf("expected polling to resume, got %s", lastWritten(h.fake))
	}
}

func TestPeriodicStartStop(t *testing.T) {
	var n atomic.Int32
	p := &Periodic{Name: "test", Period: 5 * time.Millisecond, Step: func(context.Context) { n.Add(1) }}
	p.Start(context.Background())
	p.Start(context.Background())
	if !p.Running() {
		t.Fatal("expected running task")
	}
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n.Load() < 2 {
		t.Fatal("expected steps to run")
	}
	p.Stop()
	if p.Running() {
		t.Fatal("expected stopped task")
	}
	stopped := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != stopped {
		t.Fatal("expected no steps after Stop")
	}

	p.Start(context.Background())
	if !p.Running() {
		t.Fatal("expected restart")
	}
	p.Stop()
}

func TestHaltDoesNotWait(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once atomic.Bool
	a := &Periodic{Name: "a", Period: time.Millisecond, Step: func(context.Context) {
		if once.CompareAndSwap(false, true) {
			close(entered)
		}
		<-unblock
	}}
	b := &Periodic{Name: "b", Period: time.Millisecond, Step: func(context.Context) {}}
	a.Start(context.Background())
	b.Start(context.Background())
	<-entered

	Halt(a, b)
	if !a.Running() {
		t.Fatal("expected blocked step to still be running after Halt")
	}
	close(unblock)
	<-a.Halt()
	b.Stop()
	if a.Running() || b.Running() {
		t.Fatal("expected both tasks stopped")
	}
}
