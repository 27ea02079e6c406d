package reporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fisaks/obdgw/internal/clock"
	"github.com/fisaks/obdgw/internal/obd"
	"github.com/fisaks/obdgw/internal/obdgw"
	"github.com/fisaks/obdgw/internal/state"
)

type recordingSink struct {
	reports []obdgw.Report
	err     error
}

func (s *recordingSink) Emit(_ context.Context, r obdgw.Report) error {
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) named(name string) []obdgw.Report {
	var out []obdgw.Report
	for _, r := range s.reports {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

func newReporter(reg *state.Registry, sink obdgw.Sink, c clock.Clock, gate *obdgw.Gate) *Reporter {
	return New(Config{Registry: reg, Gate: gate, Clock: c, Sink: sink, Probes: []Probe{}})
}

func rpmRegistry() *state.Registry {
	r := state.NewRegistry()
	e := r.MustAdd(state.Definition{Name: "rpm", Unit: "rpm", Kind: state.KindInt, Visible: true, Enabled: true, Supported: true, UpdateInterval: 1000})
	e.SetValue(state.IntValue(2500))
	return r
}

func TestRPMThrottleScenario(t *testing.T) {
	reg := rpmRegistry()
	sink := &recordingSink{}
	c := &clock.Manual{}
	rep := newReporter(reg, sink, c, &obdgw.Gate{})

	for _, now := range []int64{0, 500, 1200} {
		c.Set(now)
		rep.Step(context.Background())
	}
	got := sink.named("rpm")
	if len(got) != 2 {
		t.Fatalf("expected 2 rpm reports, got %v", got)
	}
	if got[0].Timestamp != 0 || got[1].Timestamp != 1200 || got[0].Value != "2500" || got[0].Unit != "rpm" {
		t.Fatalf("unexpected reports %v", got)
	}
	e, _ := reg.GetStateByName("rpm")
	if last, _ := e.LastUpdate(); last != 1200 {
		t.Fatalf("expected lastUpdate 1200, got %d", last)
	}
}

func TestDisabledEntryNotReported(t *testing.T) {
	reg := rpmRegistry()
	if err := reg.ParseJSON([]byte(`{"rpm":{"enabled":false}}`)); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	newReporter(reg, sink, &clock.Manual{}, &obdgw.Gate{}).Step(context.Background())
	if len(sink.reports) != 0 {
		t.Fatalf("expected no reports, got %v", sink.reports)
	}
}

func TestStaticDiagnosticsReportOnce(t *testing.T) {
	reg := obd.NewRegistry()
	proto, _ := reg.GetStateByName(obd.EntryProtocol)
	sink := &recordingSink{}
	c := &clock.Manual{}
	rep := newReporter(reg, sink, c, &obdgw.Gate{})

	rep.Step(context.Background())
	if len(sink.named(obd.EntryProtocol)) != 0 {
		t.Fatal("expected unknown protocol not reported")
	}

	proto.SetValue(state.IntValue(6))
	proto.SetSupported(true)
	for _, now := range []int64{2000, 4000, 600000} {
		c.Set(now)
		rep.Step(context.Background())
	}
	got := sink.named(obd.EntryProtocol)
	if len(got) != 1 || got[0].Value != "6" || !got[0].Diagnostic {
		t.Fatalf("expected one protocol report, got %v", got)
	}
}

func TestGateSuppressesReports(t *testing.T) {
	gate := &obdgw.Gate{}
	release := gate.Hold()
	sink := &recordingSink{}
	rep := New(Config{Registry: rpmRegistry(), Gate: gate, Clock: &clock.Manual{}, Sink: sink})
	rep.Step(context.Background())
	if len(sink.reports) != 0 {
		t.Fatalf("expected nothing while gated, got %v", sink.reports)
	}
	release()
	rep.Step(context.Background())
	if len(sink.named("uptime")) != 1 || len(sink.named("rpm")) != 1 {
		t.Fatalf("expected diagnostics and rpm after release, got %v", sink.reports)
	}
}

func TestFailedEmitRetried(t *testing.T) {
	reg := rpmRegistry()
	sink := &recordingSink{err: errors.New("broker down")}
	c := &clock.Manual{}
	rep := newReporter(reg, sink, c, &obdgw.Gate{})

	rep.Step(context.Background())
	e, _ := reg.GetStateByName("rpm")
	if _, reported := e.LastUpdate(); reported {
		t.Fatal("expected failed emit to leave the entry due")
	}
	sink.err = nil
	c.Set(100)
	rep.Step(context.Background())
	if got := sink.named("rpm"); len(got) != 1 || got[0].Timestamp != 100 {
		t.Fatalf("expected retry at t=100, got %v", got)
	}
}

func TestProbes(t *testing.T) {
	r, ok := Uptime()(12345)
	if !ok || r.Value != "12" || !r.Diagnostic {
		t.Fatalf("unexpected uptime %+v", r)
	}
	if _, ok := FreeHeap()(0); !ok {
		t.Fatal("expected free heap report")
	}

	path := filepath.Join(t.TempDir(), "temp")
	if _, ok := Temperature(path)(0); ok {
		t.Fatal("expected missing thermal zone skipped")
	}
	if err := os.WriteFile(path, []byte("48250\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, ok = Temperature(path)(0)
	if !ok || r.Value != "48.25" {
		t.Fatalf("unexpected temperature %+v", r)
	}
}
